package ingestion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lvonguyen/sentinelforge/internal/agent"
	"github.com/lvonguyen/sentinelforge/internal/telemetry"
)

func TestDispatcher_PreservesOrderPerKey(t *testing.T) {
	d := NewDispatcher(4, 8)
	d.Start(context.Background())

	var mu sync.Mutex
	seen := make(map[string][]int)

	keys := []string{"agent-a", "agent-b", "agent-c"}
	for i := 0; i < 50; i++ {
		for _, k := range keys {
			require.NoError(t, d.Submit(context.Background(), k, func(context.Context) {
				mu.Lock()
				seen[k] = append(seen[k], i)
				mu.Unlock()
			}))
		}
	}
	d.Stop()

	for _, k := range keys {
		require.Len(t, seen[k], 50, "key %s", k)
		for i, v := range seen[k] {
			assert.Equal(t, i, v, "key %s out of order", k)
		}
	}
}

func TestDispatcher_SubmitAfterStop(t *testing.T) {
	d := NewDispatcher(1, 1)
	d.Start(context.Background())
	d.Stop()

	err := d.Submit(context.Background(), "k", func(context.Context) {})
	assert.ErrorIs(t, err, ErrDispatcherStopped)
	d.Stop()
}

func TestDispatcher_SubmitRespectsContext(t *testing.T) {
	d := NewDispatcher(1, 0)
	block := make(chan struct{})
	d.Start(context.Background())
	defer func() {
		close(block)
		d.Stop()
	}()

	require.NoError(t, d.Submit(context.Background(), "k", func(context.Context) { <-block }))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := d.Submit(ctx, "k", func(context.Context) {})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// =============================================================================
// Consumer settlement
// =============================================================================

type fakeAck struct {
	acked    bool
	nacked   bool
	requeued bool
}

func (a *fakeAck) Ack(bool) error {
	a.acked = true
	return nil
}

func (a *fakeAck) Nack(_ bool, requeue bool) error {
	a.nacked = true
	a.requeued = requeue
	return nil
}

func TestConsumerHandle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	reg, err := f.registry.Register(ctx, agent.RegistrationRequest{Hostname: "host-a"})
	require.NoError(t, err)

	good, err := json.Marshal(map[string]any{"agentId": reg.AgentID, "apiKey": reg.APIKey, "hostname": "host-a"})
	require.NoError(t, err)
	badKey, err := json.Marshal(map[string]any{"agentId": reg.AgentID, "apiKey": "snt_nope"})
	require.NoError(t, err)

	failing := NewPipeline(agent.NewValidator(f.registry, zap.NewNop()),
		&failingStore{SampleStore: telemetry.NewMemoryStore(), err: errors.New("db down")},
		f.publisher, zap.NewNop())

	tests := []struct {
		name         string
		pipeline     *Pipeline
		body         []byte
		wantAck      bool
		wantNack     bool
		wantRequeued bool
	}{
		{"accepted is acked", f.pipeline, good, true, false, false},
		{"rejected credentials are acked", f.pipeline, badKey, true, false, false},
		{"malformed is dropped", f.pipeline, []byte("nope"), false, true, false},
		{"storage failure is requeued", failing, []byte(`{"hostname":"x"}`), false, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewConsumer(ConsumerConfig{}, tt.pipeline, NewDispatcher(1, 1), zap.NewNop())
			ack := &fakeAck{}
			c.Handle(ctx, Envelope{Body: tt.body, MessageID: fmt.Sprintf("m-%s", tt.name)}, ack)
			assert.Equal(t, tt.wantAck, ack.acked)
			assert.Equal(t, tt.wantNack, ack.nacked)
			assert.Equal(t, tt.wantRequeued, ack.requeued)
		})
	}
}

func TestDeliveryKey(t *testing.T) {
	assert.Equal(t, "from-header", deliveryKey(map[string]interface{}{PartitionHeader: "from-header"}, []byte(`{"agentId":"x"}`), ""))
	assert.Equal(t, "x", deliveryKey(nil, []byte(`{"agentId":"x"}`), ""))
	assert.Equal(t, "h", deliveryKey(nil, []byte(`{"hostname":"h"}`), ""))
}
