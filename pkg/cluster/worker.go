package cluster

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"
)

// WorkerInfo is the heartbeat payload. Peers only ever test the heartbeat
// for existence; the payload is informational.
type WorkerInfo struct {
	Alias      string    `json:"alias"`
	InstanceID string    `json:"instance_id"`
	Hostname   string    `json:"hostname"`
	OS         string    `json:"os"`
	Platform   string    `json:"platform,omitempty"`
	CPUs       int       `json:"cpus"`
	MemoryMB   uint64    `json:"memory_mb"`
	StartedAt  time.Time `json:"started_at"`
}

// NewWorkerInfo describes the local process. Host lookups that fail are
// logged and left at their zero value.
func NewWorkerInfo(alias string, logger *zap.Logger) WorkerInfo {
	hostname, _ := os.Hostname()
	info := WorkerInfo{
		Alias:      alias,
		InstanceID: uuid.New().String(),
		Hostname:   hostname,
		OS:         runtime.GOOS,
		CPUs:       runtime.NumCPU(),
		StartedAt:  time.Now().UTC(),
	}

	if h, err := host.Info(); err != nil {
		logger.Debug("failed to read host info", zap.Error(err))
	} else {
		info.Platform = fmt.Sprintf("%s %s", h.Platform, h.PlatformVersion)
	}

	if v, err := mem.VirtualMemory(); err != nil {
		logger.Debug("failed to detect memory", zap.Error(err))
	} else {
		info.MemoryMB = v.Total / 1024 / 1024
	}
	return info
}

func (w WorkerInfo) Marshal() []byte {
	data, _ := json.Marshal(w)
	return data
}

// ParseWorkerInfo decodes a heartbeat payload. Heartbeats written by other
// tools may carry no payload; those yield just the alias.
func ParseWorkerInfo(alias string, data []byte) WorkerInfo {
	info := WorkerInfo{Alias: alias}
	if len(data) > 0 {
		_ = json.Unmarshal(data, &info)
	}
	info.Alias = alias
	return info
}
