package core

import (
	"context"
	"runtime"
	"time"
)

// Pinger is anything whose reachability the status page reports.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// DependencyStatus is the health of one backing service.
type DependencyStatus struct {
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
	LatencyMs int64  `json:"latency_ms"`
}

// SystemStatus is the admin dashboard's aggregated status.
type SystemStatus struct {
	Dependencies map[string]DependencyStatus `json:"dependencies"`
	Memory       struct {
		HeapAllocBytes uint64 `json:"heap_alloc_bytes"`
		SysBytes       uint64 `json:"sys_bytes"`
	} `json:"memory"`
	Goroutines    int   `json:"goroutines"`
	UptimeSeconds int64 `json:"uptime_seconds"`
}

// CollectSystemStatus pings every dependency (best-effort) and samples the runtime.
func CollectSystemStatus(ctx context.Context, deps map[string]Pinger, startedAt time.Time) SystemStatus {
	st := SystemStatus{Dependencies: make(map[string]DependencyStatus, len(deps))}

	for name, p := range deps {
		pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		begin := time.Now()
		err := p.Ping(pctx)
		cancel()
		ds := DependencyStatus{OK: err == nil, LatencyMs: time.Since(begin).Milliseconds()}
		if err != nil {
			ds.Error = err.Error()
		}
		st.Dependencies[name] = ds
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	st.Memory.HeapAllocBytes = ms.HeapAlloc
	st.Memory.SysBytes = ms.Sys
	st.Goroutines = runtime.NumGoroutine()

	if !startedAt.IsZero() {
		st.UptimeSeconds = int64(time.Since(startedAt).Seconds())
	}
	return st
}
