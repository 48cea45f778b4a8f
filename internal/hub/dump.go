package hub

import (
	"io"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/lk2023060901/warp-hub-go/internal/json"
	"github.com/lk2023060901/warp-hub-go/internal/registry"
	"github.com/lk2023060901/warp-hub-go/internal/userdata"
)

// Outstander 由维护 ping 表的连接实现。
type Outstander interface {
	OutstandingPings() int
}

type processState struct {
	PID        int32   `json:"pid"`
	Goroutines int     `json:"goroutines"`
	RSS        uint64  `json:"rss,omitempty"`
	CPUPercent float64 `json:"cpuPercent,omitempty"`
	Threads    int32   `json:"threads,omitempty"`
}

// State 是系统状态转储。
type State struct {
	Time      time.Time        `json:"time"`
	Closed    bool             `json:"closed"`
	ServerUIN string           `json:"serverUIN"`
	SystemUIN string           `json:"systemUIN"`
	Online    []registry.Entry `json:"online"`
	Cache     userdata.Stats   `json:"cache"`
	Pings     int              `json:"pingsOutstanding"`
	Pool      poolState        `json:"pool"`
	Process   processState     `json:"process"`
}

type poolState struct {
	Running int `json:"running"`
	Free    int `json:"free"`
}

// Snapshot 采集当前系统状态。
func (h *Hub) Snapshot() State {
	st := State{
		Time:      time.Now(),
		Closed:    h.closed.Load(),
		ServerUIN: h.cfg.ServerUIN.String(),
		SystemUIN: h.cfg.SystemUIN.String(),
		Online:    h.registry.Snapshot(),
		Cache:     h.cache.Stats(),
		Pool:      poolState{Running: h.pool.Running(), Free: h.pool.Free()},
	}
	for _, conn := range h.registry.Connections() {
		if o, ok := conn.(Outstander); ok {
			st.Pings += o.OutstandingPings()
		}
	}

	st.Process = processState{PID: int32(os.Getpid()), Goroutines: runtime.NumGoroutine()}
	if p, err := process.NewProcess(st.Process.PID); err == nil {
		if mem, err := p.MemoryInfo(); err == nil {
			st.Process.RSS = mem.RSS
		}
		if cpu, err := p.CPUPercent(); err == nil {
			st.Process.CPUPercent = cpu
		}
		if n, err := p.NumThreads(); err == nil {
			st.Process.Threads = n
		}
	}
	return st
}

// DumpState 把系统状态以缩进 JSON 写到 w。
func (h *Hub) DumpState(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(h.Snapshot())
}
