package tcp_test

import (
	"slices"
	"testing"

	"github.com/quietriver/rawtcp/internal/tcp"
)

// TestFSMTransitionTable verifies every transition named in spec.md §4.9
// against the table driving ApplyEvent.
func TestFSMTransitionTable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		state       tcp.State
		event       tcp.Event
		wantState   tcp.State
		wantChanged bool
		wantActions []tcp.Action
	}{
		{
			name:        "CLOSED+connect->SYN_SENT",
			state:       tcp.StateClosed,
			event:       tcp.EventConnect,
			wantState:   tcp.StateSynSent,
			wantChanged: true,
			wantActions: []tcp.Action{tcp.ActionEmitSyn},
		},
		{
			name:        "CLOSED+listen->LISTEN",
			state:       tcp.StateClosed,
			event:       tcp.EventListen,
			wantState:   tcp.StateListen,
			wantChanged: true,
		},
		{
			name:        "LISTEN+recvSYN->SYN_RCVD",
			state:       tcp.StateListen,
			event:       tcp.EventRecvSyn,
			wantState:   tcp.StateSynRcvd,
			wantChanged: true,
			wantActions: []tcp.Action{tcp.ActionLatchPeerISN, tcp.ActionEmitSynAck},
		},
		{
			name:        "SYN_SENT+recvSYNACK->ESTABLISHED",
			state:       tcp.StateSynSent,
			event:       tcp.EventRecvSynAck,
			wantState:   tcp.StateEstablished,
			wantChanged: true,
			wantActions: []tcp.Action{tcp.ActionLatchPeerISN, tcp.ActionEmitAck},
		},
		{
			name:        "SYN_RCVD+recvACK->ESTABLISHED",
			state:       tcp.StateSynRcvd,
			event:       tcp.EventRecvAck,
			wantState:   tcp.StateEstablished,
			wantChanged: true,
		},
		{
			name:        "ESTABLISHED+close->FIN_WAIT_1",
			state:       tcp.StateEstablished,
			event:       tcp.EventClose,
			wantState:   tcp.StateFinWait1,
			wantChanged: true,
			wantActions: []tcp.Action{tcp.ActionEmitFin},
		},
		{
			name:        "ESTABLISHED+recvFIN->CLOSE_WAIT",
			state:       tcp.StateEstablished,
			event:       tcp.EventRecvFin,
			wantState:   tcp.StateCloseWait,
			wantChanged: true,
			wantActions: []tcp.Action{tcp.ActionEmitAck},
		},
		{
			name:        "FIN_WAIT_1+recvACK->FIN_WAIT_2",
			state:       tcp.StateFinWait1,
			event:       tcp.EventRecvAck,
			wantState:   tcp.StateFinWait2,
			wantChanged: true,
		},
		{
			name:        "FIN_WAIT_1+recvFIN->CLOSING",
			state:       tcp.StateFinWait1,
			event:       tcp.EventRecvFin,
			wantState:   tcp.StateClosing,
			wantChanged: true,
			wantActions: []tcp.Action{tcp.ActionEmitAck},
		},
		{
			name:        "FIN_WAIT_2+recvFIN->TIME_WAIT",
			state:       tcp.StateFinWait2,
			event:       tcp.EventRecvFin,
			wantState:   tcp.StateTimeWait,
			wantChanged: true,
			wantActions: []tcp.Action{tcp.ActionEmitAck, tcp.ActionStartTimeWaitTimer},
		},
		{
			name:        "CLOSE_WAIT+close->LAST_ACK",
			state:       tcp.StateCloseWait,
			event:       tcp.EventClose,
			wantState:   tcp.StateLastAck,
			wantChanged: true,
			wantActions: []tcp.Action{tcp.ActionEmitFin},
		},
		{
			name:        "LAST_ACK+recvACK->CLOSED",
			state:       tcp.StateLastAck,
			event:       tcp.EventRecvAck,
			wantState:   tcp.StateClosed,
			wantChanged: true,
			wantActions: []tcp.Action{tcp.ActionTeardown},
		},
		{
			name:        "CLOSING+recvACK->TIME_WAIT",
			state:       tcp.StateClosing,
			event:       tcp.EventRecvAck,
			wantState:   tcp.StateTimeWait,
			wantChanged: true,
			wantActions: []tcp.Action{tcp.ActionStartTimeWaitTimer},
		},
		{
			name:        "TIME_WAIT+timerExpired->CLOSED",
			state:       tcp.StateTimeWait,
			event:       tcp.EventTimeWaitExpired,
			wantState:   tcp.StateClosed,
			wantChanged: true,
			wantActions: []tcp.Action{tcp.ActionTeardown},
		},
		{
			name:        "ESTABLISHED+recvRST->RESET",
			state:       tcp.StateEstablished,
			event:       tcp.EventRecvRst,
			wantState:   tcp.StateReset,
			wantChanged: true,
			wantActions: []tcp.Action{tcp.ActionTeardown},
		},
		{
			name:        "LISTEN+recvRST->RESET (fallback, not in explicit table)",
			state:       tcp.StateListen,
			event:       tcp.EventRecvRst,
			wantState:   tcp.StateReset,
			wantChanged: true,
			wantActions: []tcp.Action{tcp.ActionTeardown},
		},
		{
			name:        "illegal: ESTABLISHED+recvSYN is silently ignored",
			state:       tcp.StateEstablished,
			event:       tcp.EventRecvSyn,
			wantState:   tcp.StateEstablished,
			wantChanged: false,
		},
		{
			name:        "illegal: CLOSED+recvFIN is silently ignored",
			state:       tcp.StateClosed,
			event:       tcp.EventRecvFin,
			wantState:   tcp.StateClosed,
			wantChanged: false,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := tcp.ApplyEvent(tt.state, tt.event)

			if got.NewState != tt.wantState {
				t.Errorf("NewState = %v, want %v", got.NewState, tt.wantState)
			}
			if got.Changed != tt.wantChanged {
				t.Errorf("Changed = %v, want %v", got.Changed, tt.wantChanged)
			}
			if !slices.Equal(got.Actions, tt.wantActions) {
				t.Errorf("Actions = %v, want %v", got.Actions, tt.wantActions)
			}
			if got.OldState != tt.state {
				t.Errorf("OldState = %v, want %v", got.OldState, tt.state)
			}
		})
	}
}

func TestStateStringCoversAllStates(t *testing.T) {
	t.Parallel()

	states := []tcp.State{
		tcp.StateClosed, tcp.StateListen, tcp.StateSynSent, tcp.StateSynRcvd,
		tcp.StateEstablished, tcp.StateFinWait1, tcp.StateFinWait2,
		tcp.StateCloseWait, tcp.StateLastAck, tcp.StateClosing,
		tcp.StateTimeWait, tcp.StateReset,
	}
	for _, s := range states {
		if s.String() == "UNKNOWN" {
			t.Errorf("State(%d).String() = UNKNOWN, want a real name", s)
		}
	}
}
