// Package normalization decodes inbound agent reports into telemetry
// samples.
package normalization

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/lvonguyen/sentinelforge/internal/telemetry"
)

// ErrMalformed marks a body that can never be decoded. Redelivering it
// cannot succeed.
var ErrMalformed = errors.New("malformed telemetry message")

// maxDecodedBytes bounds a decompressed body.
const maxDecodedBytes = 8 << 20

// Message is the wire form of an agent report. Unknown fields are ignored
// and missing numeric fields decode as zero.
type Message struct {
	MessageID       string              `json:"messageId,omitempty"`
	AgentID         string              `json:"agentId"`
	APIKey          string              `json:"apiKey"`
	Hostname        string              `json:"hostname"`
	CPUUsage        float64             `json:"cpuUsage"`
	RAMUsedPercent  float64             `json:"ramUsedPercent"`
	RAMTotalMB      float64             `json:"ramTotalMb"`
	DiskUsedPercent float64             `json:"diskUsedPercent"`
	DiskTotalGB     float64             `json:"diskTotalGb"`
	BytesSentSec    float64             `json:"bytesSentSec"`
	BytesRecvSec    float64             `json:"bytesRecvSec"`
	Processes       []ProcessMessage    `json:"processes"`
	Connections     []ConnectionMessage `json:"networkConnections"`
	Timestamp       *time.Time          `json:"timestamp,omitempty"`
}

// ProcessMessage is a reported process. Older agents send "cpu" instead of
// "cpuUsage".
type ProcessMessage struct {
	PID      int32   `json:"pid"`
	Name     string  `json:"name"`
	CPUUsage float64 `json:"cpuUsage"`
	CPU      float64 `json:"cpu"`
	Username string  `json:"username"`
}

// ConnectionMessage is a reported network connection.
type ConnectionMessage struct {
	PID           int32  `json:"pid"`
	ProcessName   string `json:"processName"`
	LocalAddress  string `json:"localAddress"`
	LocalPort     uint32 `json:"localPort"`
	RemoteAddress string `json:"remoteAddress"`
	RemotePort    uint32 `json:"remotePort"`
	Status        string `json:"status"`
}

// Decode parses body, inflating it first when contentEncoding is gzip.
func Decode(body []byte, contentEncoding string) (*Message, error) {
	if strings.EqualFold(strings.TrimSpace(contentEncoding), "gzip") {
		inflated, err := gunzip(body)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		body = inflated
	}

	if len(bytes.TrimSpace(body)) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrMalformed)
	}

	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	msg.AgentID = strings.TrimSpace(msg.AgentID)
	return &msg, nil
}

func gunzip(body []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	out, err := io.ReadAll(io.LimitReader(zr, maxDecodedBytes+1))
	if err != nil {
		return nil, err
	}
	if len(out) > maxDecodedBytes {
		return nil, fmt.Errorf("decompressed body exceeds %d bytes", maxDecodedBytes)
	}
	return out, nil
}

// DedupKey returns the idempotency key for m: the transport message id,
// else the messageId in the body, else a digest of the raw body when the
// sender stamped it with a timestamp. Without any of these the message
// has no identity and the key is empty, so repeated reports with equal
// contents are all kept.
func (m *Message) DedupKey(transportID string, body []byte) string {
	if transportID != "" {
		return "id:" + transportID
	}
	if m.MessageID != "" {
		return "id:" + m.MessageID
	}
	if m.Timestamp == nil || m.Timestamp.IsZero() {
		return ""
	}
	sum := sha256.Sum256(body)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// ToSample converts a decoded message into a sample owned by agentID. The
// credential is never copied.
func (m *Message) ToSample(id, agentID string, receivedAt time.Time) *telemetry.Sample {
	s := &telemetry.Sample{
		ID:       id,
		AgentID:  agentID,
		Hostname: m.Hostname,
		Metrics: telemetry.Metrics{
			CPUUsage:        m.CPUUsage,
			RAMUsedPercent:  m.RAMUsedPercent,
			RAMTotalMB:      m.RAMTotalMB,
			DiskUsedPercent: m.DiskUsedPercent,
			DiskTotalGB:     m.DiskTotalGB,
			BytesSentSec:    m.BytesSentSec,
			BytesRecvSec:    m.BytesRecvSec,
		},
		ReceivedAt:    receivedAt,
		Authenticated: agentID != "",
	}

	s.Processes = make([]telemetry.Process, 0, len(m.Processes))
	for _, p := range m.Processes {
		cpu := p.CPUUsage
		if cpu == 0 {
			cpu = p.CPU
		}
		s.Processes = append(s.Processes, telemetry.Process{
			PID:      p.PID,
			Name:     p.Name,
			CPUUsage: cpu,
			Username: p.Username,
		})
	}

	s.Connections = make([]telemetry.Connection, 0, len(m.Connections))
	for _, c := range m.Connections {
		s.Connections = append(s.Connections, telemetry.Connection{
			PID:           c.PID,
			ProcessName:   c.ProcessName,
			LocalAddress:  c.LocalAddress,
			LocalPort:     c.LocalPort,
			RemoteAddress: c.RemoteAddress,
			RemotePort:    c.RemotePort,
			Status:        c.Status,
		})
	}
	return s
}

// PartitionKey returns the key that keeps one sender's messages in order:
// the agent id, else the hostname. Undecodable bodies yield "".
func PartitionKey(body []byte, contentEncoding string) string {
	msg, err := Decode(body, contentEncoding)
	if err != nil {
		return ""
	}
	if msg.AgentID != "" {
		return msg.AgentID
	}
	return msg.Hostname
}
