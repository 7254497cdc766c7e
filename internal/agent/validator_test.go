package agent

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestValidate_Anonymous(t *testing.T) {
	r, _ := newTestRegistry(t, RegistryConfig{})
	v := NewValidator(r, zap.NewNop())
	ctx := context.Background()

	for _, id := range []string{"", "not-registered", uuid.NewString()} {
		res, err := v.Validate(ctx, id, "anything")
		assert.NoError(t, err, "id %q", id)
		assert.Nil(t, res, "id %q", id)
	}
}

func TestValidate_WrongCredentialLeavesHeartbeat(t *testing.T) {
	r, clock := newTestRegistry(t, RegistryConfig{})
	v := NewValidator(r, zap.NewNop())
	ctx := context.Background()
	reg := register(t, r, "host-a")

	_, err := r.RecordHeartbeat(ctx, reg.AgentID)
	require.NoError(t, err)
	before, err := r.Lookup(ctx, reg.AgentID)
	require.NoError(t, err)

	clock.Advance(time.Minute)
	res, err := v.Validate(ctx, reg.AgentID, "snt_wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	assert.Nil(t, res)

	after, err := r.Lookup(ctx, reg.AgentID)
	require.NoError(t, err)
	assert.Equal(t, before.LastHeartbeat, after.LastHeartbeat)
	assert.Equal(t, before.Status, after.Status)
}

func TestValidate_RevokedRejectedWithCorrectKey(t *testing.T) {
	r, _ := newTestRegistry(t, RegistryConfig{})
	v := NewValidator(r, zap.NewNop())
	ctx := context.Background()
	reg := register(t, r, "host-a")

	_, err := r.Revoke(ctx, reg.AgentID)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := v.Validate(ctx, reg.AgentID, reg.APIKey)
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	}
	a, err := r.Lookup(ctx, reg.AgentID)
	require.NoError(t, err)
	assert.Equal(t, StatusRevoked, a.Status)
	assert.True(t, a.LastHeartbeat.IsZero())
}

func TestValidate_ActivatesAndAdvancesHeartbeat(t *testing.T) {
	r, clock := newTestRegistry(t, RegistryConfig{})
	v := NewValidator(r, zap.NewNop())
	ctx := context.Background()
	reg := register(t, r, "host-a")

	res, err := v.Validate(ctx, reg.AgentID, reg.APIKey)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.True(t, res.Authenticated)
	assert.Equal(t, "host-a", res.Hostname)
	assert.Equal(t, StatusActive, res.Status)

	first, err := r.Lookup(ctx, reg.AgentID)
	require.NoError(t, err)

	clock.Advance(30 * time.Second)
	_, err = v.Validate(ctx, reg.AgentID, reg.APIKey)
	require.NoError(t, err)
	second, err := r.Lookup(ctx, reg.AgentID)
	require.NoError(t, err)
	assert.False(t, second.LastHeartbeat.Before(first.LastHeartbeat))
}

func TestValidate_RecoversFromError(t *testing.T) {
	r, _ := newTestRegistry(t, RegistryConfig{})
	v := NewValidator(r, zap.NewNop())
	ctx := context.Background()
	reg := register(t, r, "host-a")

	_, err := r.MarkFault(ctx, reg.AgentID)
	require.NoError(t, err)

	res, err := v.Validate(ctx, reg.AgentID, reg.APIKey)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, res.Status)
}

func TestHeartbeat(t *testing.T) {
	r, _ := newTestRegistry(t, RegistryConfig{})
	v := NewValidator(r, zap.NewNop())
	ctx := context.Background()
	reg := register(t, r, "host-a")

	_, err := v.Heartbeat(ctx, "not-a-uuid", reg.APIKey)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = v.Heartbeat(ctx, uuid.NewString(), reg.APIKey)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = v.Heartbeat(ctx, reg.AgentID, "snt_wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	res, err := v.Heartbeat(ctx, reg.AgentID, reg.APIKey)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, res.Status)
}

func TestValidate_ConcurrentRevokeWins(t *testing.T) {
	r, _ := newTestRegistry(t, RegistryConfig{})
	v := NewValidator(r, zap.NewNop())
	ctx := context.Background()
	reg := register(t, r, "host-a")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = v.Validate(ctx, reg.AgentID, reg.APIKey)
		}()
	}
	_, err := r.Revoke(ctx, reg.AgentID)
	require.NoError(t, err)
	wg.Wait()

	a, err := r.Lookup(ctx, reg.AgentID)
	require.NoError(t, err)
	assert.Equal(t, StatusRevoked, a.Status)
}
