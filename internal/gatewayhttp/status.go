package gatewayhttp

import (
	"net/http"
	"runtime"
	"time"
)

var startTime = time.Now()

type providerStatus struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

type systemStatus struct {
	Uptime         time.Duration    `json:"uptime"`
	UptimeString   string           `json:"uptime_string"`
	GoVersion      string           `json:"go_version"`
	NumGoroutines  int              `json:"num_goroutines"`
	MemAllocMB     float64          `json:"mem_alloc_mb"`
	MemSysMB       float64          `json:"mem_sys_mb"`
	NumCPU         int              `json:"num_cpu"`
	ToolCount      int              `json:"tool_count"`
	DatabaseStatus string           `json:"database_status"`
	Providers      []providerStatus `json:"providers"`
}

// handleStatus reports process and dependency health for the CLI's
// status command and any external monitor polling the gateway.
func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	uptime := time.Since(startTime)

	dbStatus := "unconfigured"
	if h.Sessions != nil {
		dbStatus = "ok"
	}

	var providers []providerStatus
	if h.Providers != nil {
		for name, st := range h.Providers.Status() {
			status := "ok"
			if st.Open {
				status = "circuit_open"
			}
			providers = append(providers, providerStatus{Name: name, Status: status})
		}
	}

	toolCount := 0
	if h.Tools != nil {
		toolCount = len(h.Tools.ListTools())
	}

	writeJSON(w, http.StatusOK, systemStatus{
		Uptime:         uptime,
		UptimeString:   uptime.Round(time.Second).String(),
		GoVersion:      runtime.Version(),
		NumGoroutines:  runtime.NumGoroutine(),
		MemAllocMB:     float64(mem.Alloc) / (1024 * 1024),
		MemSysMB:       float64(mem.Sys) / (1024 * 1024),
		NumCPU:         runtime.NumCPU(),
		ToolCount:      toolCount,
		DatabaseStatus: dbStatus,
		Providers:      providers,
	})
}
