package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/vecdns/vecdns/internal/config"
	"github.com/vecdns/vecdns/internal/metrics"
)

type handler struct {
	cfg        *config.Config
	counters   *metrics.Counters
	startTime  time.Time
	instanceID string
}

type statusResponse struct {
	Status string `json:"status"`
}

type memoryStats struct {
	TotalMB     float64 `json:"total_mb"`
	FreeMB      float64 `json:"free_mb"`
	UsedMB      float64 `json:"used_mb"`
	UsedPercent float64 `json:"used_percent"`
}

type cpuStats struct {
	NumCPU      int     `json:"num_cpu"`
	UsedPercent float64 `json:"used_percent"`
}

type statsResponse struct {
	InstanceID    string      `json:"instance_id"`
	UptimeSeconds float64     `json:"uptime_seconds"`
	Shards        int         `json:"shards"`
	Goroutines    int         `json:"goroutines"`
	Memory        memoryStats `json:"memory"`
	CPU           cpuStats    `json:"cpu"`
}

// Health reports liveness.
func (h *handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, statusResponse{Status: "ok"})
}

// Stats reports runtime statistics: uptime, shard count, and system CPU and
// memory sampled via gopsutil.
func (h *handler) Stats(c *gin.Context) {
	resp := statsResponse{
		InstanceID:    h.instanceID,
		UptimeSeconds: time.Since(h.startTime).Seconds(),
		Shards:        h.cfg.Process.ThreadCount,
		Goroutines:    runtime.NumGoroutine(),
		CPU:           cpuStats{NumCPU: runtime.NumCPU()},
	}

	if vmStat, err := mem.VirtualMemory(); err == nil {
		resp.Memory = memoryStats{
			TotalMB:     float64(vmStat.Total) / 1024 / 1024,
			FreeMB:      float64(vmStat.Available) / 1024 / 1024,
			UsedMB:      float64(vmStat.Used) / 1024 / 1024,
			UsedPercent: vmStat.UsedPercent,
		}
	}
	if cpuPercent, err := cpu.Percent(200*time.Millisecond, false); err == nil && len(cpuPercent) > 0 {
		resp.CPU.UsedPercent = cpuPercent[0]
	}

	c.JSON(http.StatusOK, resp)
}

// Metrics dumps the full counter set.
func (h *handler) Metrics(c *gin.Context) {
	c.JSON(http.StatusOK, h.counters.Snapshot())
}

// GetConfig returns the running configuration with secrets redacted.
func (h *handler) GetConfig(c *gin.Context) {
	redacted := *h.cfg
	if redacted.API.APIKey != "" {
		redacted.API.APIKey = "***"
	}
	c.JSON(http.StatusOK, redacted)
}
