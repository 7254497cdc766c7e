// Package telemetry defines host telemetry samples reported by monitoring
// agents and the stores that persist them.
package telemetry

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a sample does not exist.
var ErrNotFound = errors.New("telemetry sample not found")

// Sample is one persisted telemetry report. Samples are immutable once
// saved.
type Sample struct {
	ID            string       `json:"id"`
	AgentID       string       `json:"agentId,omitempty"` // empty for anonymous senders
	Hostname      string       `json:"hostname"`
	Metrics       Metrics      `json:"metrics"`
	Processes     []Process    `json:"processes"`
	Connections   []Connection `json:"networkConnections"`
	ReceivedAt    time.Time    `json:"receivedAt"`
	DedupKey      string       `json:"-"`
	Authenticated bool         `json:"authenticated"`
}

// Metrics holds host resource figures. Rates are bytes per second.
type Metrics struct {
	CPUUsage        float64 `json:"cpuUsage"`
	RAMUsedPercent  float64 `json:"ramUsedPercent"`
	RAMTotalMB      float64 `json:"ramTotalMb,omitempty"`
	DiskUsedPercent float64 `json:"diskUsedPercent,omitempty"`
	DiskTotalGB     float64 `json:"diskTotalGb,omitempty"`
	BytesSentSec    float64 `json:"bytesSentSec"`
	BytesRecvSec    float64 `json:"bytesRecvSec"`
}

// UploadMBps returns the send rate in megabytes per second.
func (m Metrics) UploadMBps() float64 { return m.BytesSentSec / (1024 * 1024) }

// DownloadMBps returns the receive rate in megabytes per second.
func (m Metrics) DownloadMBps() float64 { return m.BytesRecvSec / (1024 * 1024) }

// Process is a running process on the host.
type Process struct {
	PID      int32   `json:"pid"`
	Name     string  `json:"name"`
	CPUUsage float64 `json:"cpuUsage"`
	Username string  `json:"username,omitempty"`
}

// Connection is an open network connection on the host.
type Connection struct {
	PID           int32  `json:"pid"`
	ProcessName   string `json:"processName,omitempty"`
	LocalAddress  string `json:"localAddress"`
	LocalPort     uint32 `json:"localPort"`
	RemoteAddress string `json:"remoteAddress"`
	RemotePort    uint32 `json:"remotePort"`
	Status        string `json:"status"`
}

// SampleStore persists samples.
type SampleStore interface {
	// Save stores s. A sample whose DedupKey was already saved is not stored
	// again and Save reports inserted=false.
	Save(ctx context.Context, s *Sample) (inserted bool, err error)
	Get(ctx context.Context, id string) (*Sample, error)
	// History returns an agent's samples received within [from, to],
	// oldest first. Zero bounds are open.
	History(ctx context.Context, agentID string, from, to time.Time) ([]*Sample, error)
}
