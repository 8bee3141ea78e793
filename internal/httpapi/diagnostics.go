package httpapi

import (
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/R3E-Network/transaction_gateway/internal/httputil"
)

type processStats struct {
	PID        int32   `json:"pid"`
	CPUPercent float64 `json:"cpu_percent"`
	RSSBytes   uint64  `json:"rss_bytes"`
	Threads    int32   `json:"threads"`
	Goroutines int     `json:"goroutines"`
}

type hostStats struct {
	TotalBytes  uint64  `json:"total_bytes"`
	UsedPercent float64 `json:"used_percent"`
}

type gatewayStats struct {
	SystemCode         string   `json:"system_code"`
	HostName           string   `json:"host_name"`
	RunningEnvironment string   `json:"running_environment"`
	Environments       []string `json:"available_environments"`
	MessageDataType    string   `json:"message_data_type"`
	Contracts          int      `json:"contracts"`
	CacheEnabled       bool     `json:"cache_enabled"`
	CacheEntries       int      `json:"cache_entries"`
	UptimeSeconds      int64    `json:"uptime_seconds"`
}

type diagnosticsReport struct {
	Gateway gatewayStats `json:"gateway"`
	Process processStats `json:"process"`
	Memory  *hostStats   `json:"memory,omitempty"`
}

// diagnostics reports process resource usage and a configuration summary.
// Secrets such as the admin key are never included. Probe failures leave the
// affected figures at zero.
func (h *handler) diagnostics(w http.ResponseWriter, r *http.Request) {
	report := diagnosticsReport{
		Gateway: gatewayStats{
			SystemCode:         h.cfg.SystemCode,
			HostName:           h.cfg.HostName,
			RunningEnvironment: h.cfg.RunningEnvironment,
			Environments:       h.cfg.AvailableEnvironments,
			MessageDataType:    string(h.cfg.MessageDataType),
			Contracts:          h.svc.Store().Len(),
			CacheEnabled:       h.svc.Cache() != nil && h.cfg.CodeCache.Enabled,
			UptimeSeconds:      int64(time.Since(h.startedAt).Seconds()),
		},
		Process: processStats{
			PID:        int32(os.Getpid()),
			Goroutines: runtime.NumGoroutine(),
		},
	}
	if c := h.svc.Cache(); c != nil {
		report.Gateway.CacheEntries = c.Len()
	}

	log := h.log.WithContext(r.Context())
	if p, err := process.NewProcessWithContext(r.Context(), report.Process.PID); err != nil {
		log.WithError(err).Debug("process probe unavailable")
	} else {
		if pct, err := p.CPUPercentWithContext(r.Context()); err == nil {
			report.Process.CPUPercent = pct
		}
		if info, err := p.MemoryInfoWithContext(r.Context()); err == nil {
			report.Process.RSSBytes = info.RSS
		}
		if n, err := p.NumThreadsWithContext(r.Context()); err == nil {
			report.Process.Threads = n
		}
	}
	if vm, err := mem.VirtualMemoryWithContext(r.Context()); err == nil {
		report.Memory = &hostStats{TotalBytes: vm.Total, UsedPercent: vm.UsedPercent}
	} else {
		log.WithError(err).Debug("memory probe unavailable")
	}

	httputil.WriteJSON(w, http.StatusOK, report)
}
