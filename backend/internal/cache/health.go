package cache

import "sync/atomic"

// HealthState 主存储的健康状态，只有两个取值
type HealthState uint32

const (
	StateHealthy HealthState = iota
	StateDegraded
)

func (s HealthState) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateDegraded:
		return "degraded"
	default:
		return "unknown"
	}
}

type healthEvent uint8

const (
	evOpFailed healthEvent = iota
	evProbeOK
	evProbeFailed
)

// next 纯函数状态转移：
// 操作失败或探测失败 -> degraded；只有探测成功才能回到 healthy
func (s HealthState) next(ev healthEvent) HealthState {
	switch ev {
	case evOpFailed, evProbeFailed:
		return StateDegraded
	case evProbeOK:
		return StateHealthy
	}
	return s
}

type healthMachine struct {
	v atomic.Uint32
}

func (h *healthMachine) load() HealthState { return HealthState(h.v.Load()) }

// fire 应用事件，返回 (旧状态, 新状态)
func (h *healthMachine) fire(ev healthEvent) (HealthState, HealthState) {
	for {
		old := h.v.Load()
		nxt := HealthState(old).next(ev)
		if h.v.CompareAndSwap(old, uint32(nxt)) {
			return HealthState(old), nxt
		}
	}
}

func (h *healthMachine) force(s HealthState) { h.v.Store(uint32(s)) }
