package session

import "fmt"

// State はセッションの状態。
type State int

const (
	StateConnecting State = iota
	StateAuthenticated
	StateJoined
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateJoined:
		return "joined"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Event は状態遷移を引き起こす入力。
type Event string

const (
	EventAuthOK   Event = "auth_ok"
	EventAuthFail Event = "auth_fail"
	EventJoin     Event = "join"
	EventSend     Event = "send"
	EventClose    Event = "close"
)

// transitions は許可された状態遷移の一覧。ここにない遷移はエラーとなる。
// Closedは終端状態で、どのイベントも受け付けない。
var transitions = map[State]map[Event]State{
	StateConnecting: {
		EventAuthOK:   StateAuthenticated,
		EventAuthFail: StateClosed,
		EventClose:    StateClosed,
	},
	StateAuthenticated: {
		EventJoin:  StateJoined,
		EventSend:  StateJoined, // 送信時は自動参加する
		EventClose: StateClosed,
	},
	StateJoined: {
		EventJoin:  StateJoined,
		EventSend:  StateJoined,
		EventClose: StateClosed,
	},
}

// next はstateでeventを受けた後の状態を返す。
func next(state State, event Event) (State, error) {
	if to, ok := transitions[state][event]; ok {
		return to, nil
	}
	return state, fmt.Errorf("invalid transition: %s --%s-->", state, event)
}
