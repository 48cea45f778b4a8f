package session

import (
	"fmt"

	"go.uber.org/atomic"

	"github.com/lk2023060901/warp-hub-go/pkg/util/merr"
)

// State 是连接的状态。
type State int32

const (
	StateUnauthenticated State = iota
	StateAuthenticating
	StateEstablished
	StateClosed
)

var stateNames = map[State]string{
	StateUnauthenticated: "unauthenticated",
	StateAuthenticating:  "authenticating",
	StateEstablished:     "established",
	StateClosed:          "closed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// 合法的状态迁移，Closed 为终态。
var transitions = map[State][]State{
	StateUnauthenticated: {StateAuthenticating, StateClosed},
	StateAuthenticating:  {StateEstablished, StateClosed},
	StateEstablished:     {StateClosed},
}

func validTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// StateMachine 是无锁的连接状态机。
type StateMachine struct {
	state atomic.Int32
}

func (m *StateMachine) State() State {
	return State(m.state.Load())
}

// Transition 迁移到 to，非法迁移返回 ErrProtocol。
func (m *StateMachine) Transition(to State) error {
	for {
		from := m.State()
		if !validTransition(from, to) {
			return merr.WrapErrProtocol(fmt.Sprintf("illegal transition %s -> %s", from, to))
		}
		if m.state.CompareAndSwap(int32(from), int32(to)) {
			return nil
		}
	}
}

// Close 迁移到 Closed 并返回之前的状态。
func (m *StateMachine) Close() State {
	return State(m.state.Swap(int32(StateClosed)))
}
