package tcp

// This file implements the TCP connection state machine (RFC 793 Section
// 3.2) as a pure function over a transition table, in the same style as a
// protocol FSM driven by a table of (state, event) -> (state, actions): no
// side effects, no Conn dependency, trivially testable in isolation.
//
// State diagram (RFC 793 Section 3.2, client/server subset actually used
// here — no simultaneous open):
//
//	CLOSED --connect()--> SYN_SENT --recv(SYN,ACK)--> ESTABLISHED
//	CLOSED --listen()---> LISTEN   --recv(SYN)------> SYN_RCVD --recv(ACK)--> ESTABLISHED
//	ESTABLISHED --close()------> FIN_WAIT_1 --recv(ACK)--> FIN_WAIT_2 --recv(FIN)--> TIME_WAIT
//	ESTABLISHED --recv(FIN)----> CLOSE_WAIT --close()---> LAST_ACK   --recv(ACK)--> CLOSED
//	FIN_WAIT_1  --recv(FIN)----> CLOSING    --recv(ACK)--> TIME_WAIT
//	Any         --recv(RST)----> RESET (terminal: no transition leaves it)

// Event is an input to the FSM: either a local action or an observation
// about an inbound segment.
type Event uint8

const (
	// EventConnect is the local action initiating an active open.
	EventConnect Event = iota
	// EventListen is the local action initiating a passive open.
	EventListen
	// EventClose is the local action initiating a graceful close.
	EventClose
	// EventRecvSyn is a received segment with only SYN set.
	EventRecvSyn
	// EventRecvSynAck is a received segment with SYN and ACK set. Its
	// acknowledgment number is not compared with the local ISN+1.
	EventRecvSynAck
	// EventRecvAck is a received segment with ACK set and none of SYN,
	// FIN or RST. Its acknowledgment number is not compared with the
	// local ISN+1 or with the sequence number of a pending FIN.
	EventRecvAck
	// EventRecvFin is a received segment with FIN set.
	EventRecvFin
	// EventRecvRst is a received segment with RST set.
	EventRecvRst
	// EventTimeWaitExpired is the 2*MSL TIME_WAIT timer firing.
	EventTimeWaitExpired
)

// String returns the human-readable name of the event.
func (e Event) String() string {
	switch e {
	case EventConnect:
		return "Connect"
	case EventListen:
		return "Listen"
	case EventClose:
		return "Close"
	case EventRecvSyn:
		return "RecvSyn"
	case EventRecvSynAck:
		return "RecvSynAck"
	case EventRecvAck:
		return "RecvAck"
	case EventRecvFin:
		return "RecvFin"
	case EventRecvRst:
		return "RecvRst"
	case EventTimeWaitExpired:
		return "TimeWaitExpired"
	default:
		return "Unknown"
	}
}

// Action is a side-effect the caller must execute after a transition. The
// FSM itself only decides what to do, never does it.
type Action uint8

const (
	// ActionEmitSyn sends a bare SYN with the local ISN.
	ActionEmitSyn Action = iota + 1
	// ActionEmitSynAck sends SYN+ACK.
	ActionEmitSynAck
	// ActionEmitAck sends a bare ACK.
	ActionEmitAck
	// ActionEmitFin sends a FIN.
	ActionEmitFin
	// ActionLatchPeerISN records the peer's ISN from the triggering segment.
	ActionLatchPeerISN
	// ActionStartTimeWaitTimer arms the 2*MSL TIME_WAIT timer.
	ActionStartTimeWaitTimer
	// ActionTeardown releases connection resources (the TIME_WAIT timer).
	ActionTeardown
)

// String returns the human-readable name of the action.
func (a Action) String() string {
	switch a {
	case ActionEmitSyn:
		return "EmitSyn"
	case ActionEmitSynAck:
		return "EmitSynAck"
	case ActionEmitAck:
		return "EmitAck"
	case ActionEmitFin:
		return "EmitFin"
	case ActionLatchPeerISN:
		return "LatchPeerISN"
	case ActionStartTimeWaitTimer:
		return "StartTimeWaitTimer"
	case ActionTeardown:
		return "Teardown"
	default:
		return "Unknown"
	}
}

// stateEvent is the FSM transition table key: current state + incoming
// event.
type stateEvent struct {
	state State
	event Event
}

// transition describes the target state and side-effects for a single FSM
// transition.
type transition struct {
	newState State
	actions  []Action
}

// Result holds the outcome of applying an event to the FSM.
type Result struct {
	OldState State
	NewState State
	Actions  []Action
	Changed  bool
}

// fsmTable is the complete TCP connection FSM transition table (spec.md
// §4.9). Unlisted (state, event) pairs are illegal transitions and are
// silently ignored — e.g. recv(SYN) while ESTABLISHED.
var fsmTable = map[stateEvent]transition{
	{StateClosed, EventConnect}: {
		newState: StateSynSent,
		actions:  []Action{ActionEmitSyn},
	},
	{StateClosed, EventListen}: {
		newState: StateListen,
	},

	{StateListen, EventRecvSyn}: {
		newState: StateSynRcvd,
		actions:  []Action{ActionLatchPeerISN, ActionEmitSynAck},
	},

	{StateSynSent, EventRecvSynAck}: {
		newState: StateEstablished,
		actions:  []Action{ActionLatchPeerISN, ActionEmitAck},
	},
	{StateSynSent, EventRecvRst}: {
		newState: StateReset,
		actions:  []Action{ActionTeardown},
	},

	{StateSynRcvd, EventRecvAck}: {
		newState: StateEstablished,
	},
	{StateSynRcvd, EventRecvRst}: {
		newState: StateReset,
		actions:  []Action{ActionTeardown},
	},

	{StateEstablished, EventClose}: {
		newState: StateFinWait1,
		actions:  []Action{ActionEmitFin},
	},
	{StateEstablished, EventRecvFin}: {
		newState: StateCloseWait,
		actions:  []Action{ActionEmitAck},
	},
	{StateEstablished, EventRecvRst}: {
		newState: StateReset,
		actions:  []Action{ActionTeardown},
	},

	{StateFinWait1, EventRecvAck}: {
		newState: StateFinWait2,
	},
	{StateFinWait1, EventRecvFin}: {
		newState: StateClosing,
		actions:  []Action{ActionEmitAck},
	},
	{StateFinWait1, EventRecvRst}: {
		newState: StateReset,
		actions:  []Action{ActionTeardown},
	},

	{StateFinWait2, EventRecvFin}: {
		newState: StateTimeWait,
		actions:  []Action{ActionEmitAck, ActionStartTimeWaitTimer},
	},
	{StateFinWait2, EventRecvRst}: {
		newState: StateReset,
		actions:  []Action{ActionTeardown},
	},

	{StateCloseWait, EventClose}: {
		newState: StateLastAck,
		actions:  []Action{ActionEmitFin},
	},
	{StateCloseWait, EventRecvRst}: {
		newState: StateReset,
		actions:  []Action{ActionTeardown},
	},

	{StateLastAck, EventRecvAck}: {
		newState: StateClosed,
		actions:  []Action{ActionTeardown},
	},

	{StateClosing, EventRecvAck}: {
		newState: StateTimeWait,
		actions:  []Action{ActionStartTimeWaitTimer},
	},

	{StateTimeWait, EventTimeWaitExpired}: {
		newState: StateClosed,
		actions:  []Action{ActionTeardown},
	},
}

// ApplyEvent applies an FSM event to the given state and returns the
// result. Pure function, no side effects: the caller executes the
// returned actions. Any RST not covered by an explicit table entry above
// (LISTEN, CLOSING, TIME_WAIT, LAST_ACK receiving RST) still
// resets via the fallback below, matching "Any + recv(RST) -> RESET".
func ApplyEvent(currentState State, event Event) Result {
	if event == EventRecvRst && currentState != StateClosed && currentState != StateReset {
		if _, ok := fsmTable[stateEvent{currentState, event}]; !ok {
			return Result{
				OldState: currentState,
				NewState: StateReset,
				Actions:  []Action{ActionTeardown},
				Changed:  true,
			}
		}
	}

	tr, ok := fsmTable[stateEvent{currentState, event}]
	if !ok {
		return Result{
			OldState: currentState,
			NewState: currentState,
			Changed:  false,
		}
	}

	return Result{
		OldState: currentState,
		NewState: tr.newState,
		Actions:  tr.actions,
		Changed:  currentState != tr.newState,
	}
}
