package normalization

import (
	"bytes"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleBody = `{
	"agentId": "a-1",
	"apiKey": "snt_secret",
	"hostname": "web-01",
	"cpuUsage": 42.5,
	"ramUsedPercent": 61,
	"bytesSentSec": 2097152,
	"processes": [
		{"pid": 10, "name": "nginx", "cpuUsage": 3.5, "username": "www"},
		{"pid": 11, "name": "miner", "cpu": 97}
	],
	"networkConnections": [
		{"pid": 11, "processName": "miner", "localAddress": "10.0.0.5", "localPort": 50000,
		 "remoteAddress": "203.0.113.9", "remotePort": 3333, "status": "ESTABLISHED"}
	],
	"extraField": {"ignored": true}
}`

func TestDecode(t *testing.T) {
	msg, err := Decode([]byte(sampleBody), "")
	require.NoError(t, err)

	assert.Equal(t, "a-1", msg.AgentID)
	assert.Equal(t, "snt_secret", msg.APIKey)
	assert.Equal(t, 42.5, msg.CPUUsage)
	assert.Zero(t, msg.BytesRecvSec)
	require.Len(t, msg.Processes, 2)
	require.Len(t, msg.Connections, 1)
}

func TestDecode_Gzip(t *testing.T) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte(sampleBody))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	msg, err := Decode(buf.Bytes(), "gzip")
	require.NoError(t, err)
	assert.Equal(t, "web-01", msg.Hostname)
}

func TestDecode_Malformed(t *testing.T) {
	tests := []struct {
		name     string
		body     []byte
		encoding string
	}{
		{"empty", nil, ""},
		{"whitespace", []byte("  \n"), ""},
		{"not json", []byte("hello"), ""},
		{"wrong type", []byte(`{"cpuUsage": "high"}`), ""},
		{"bad gzip", []byte(sampleBody), "gzip"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.body, tt.encoding)
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestToSample(t *testing.T) {
	msg, err := Decode([]byte(sampleBody), "")
	require.NoError(t, err)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	s := msg.ToSample("s-1", "a-1", now)
	assert.Equal(t, "s-1", s.ID)
	assert.True(t, s.Authenticated)
	assert.Equal(t, now, s.ReceivedAt)
	assert.Equal(t, 3.5, s.Processes[0].CPUUsage)
	assert.Equal(t, 97.0, s.Processes[1].CPUUsage)
	assert.Equal(t, "203.0.113.9", s.Connections[0].RemoteAddress)
	assert.InDelta(t, 2.0, s.Metrics.UploadMBps(), 1e-9)

	anon := msg.ToSample("s-2", "", now)
	assert.False(t, anon.Authenticated)
	assert.Empty(t, anon.AgentID)
}

func TestDedupKey(t *testing.T) {
	decode := func(body string) *Message {
		msg, err := Decode([]byte(body), "")
		require.NoError(t, err)
		return msg
	}

	plain := decode(sampleBody)
	assert.Equal(t, "id:m-1", plain.DedupKey("m-1", []byte(sampleBody)))
	assert.Empty(t, plain.DedupKey("", []byte(sampleBody)), "no identity means no key")

	withID := `{"messageId":"m-2","hostname":"web-01"}`
	assert.Equal(t, "id:m-2", decode(withID).DedupKey("", []byte(withID)))
	assert.Equal(t, "id:m-3", decode(withID).DedupKey("m-3", []byte(withID)))

	stamped := `{"hostname":"web-01","timestamp":"2026-03-01T12:00:00Z"}`
	a := decode(stamped).DedupKey("", []byte(stamped))
	b := decode(stamped).DedupKey("", []byte(stamped))
	c := decode(stamped+" ").DedupKey("", []byte(stamped+" "))
	assert.NotEmpty(t, a)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestPartitionKey(t *testing.T) {
	assert.Equal(t, "a-1", PartitionKey([]byte(sampleBody), ""))
	assert.Equal(t, "web-02", PartitionKey([]byte(`{"hostname":"web-02"}`), ""))
	assert.Equal(t, "", PartitionKey([]byte("garbage"), ""))
}
