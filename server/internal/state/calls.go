// calls.go - Call signaling state machine.
// Copyright (C) 2026  Fidelio Authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package state

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fidelio-chat/fidelio/server/internal/instrument"
	"github.com/fidelio-chat/fidelio/server/internal/wire"
)

// CallStatus is a session's view of its own call involvement.
type CallStatus int

const (
	// CallStatusIdle means the session is party to no live call.
	CallStatusIdle CallStatus = iota

	// CallStatusCalling means the session placed a call that is ringing.
	CallStatusCalling

	// CallStatusRinging means the session is being rung.
	CallStatusRinging

	// CallStatusInCall means the session is in an active call.
	CallStatusInCall
)

// String returns the on-the-wire status string used in user_list
// replies.
func (c CallStatus) String() string {
	switch c {
	case CallStatusIdle:
		return "idle"
	case CallStatusCalling:
		return "calling"
	case CallStatusRinging:
		return "ringing"
	case CallStatusInCall:
		return "in_call"
	default:
		return fmt.Sprintf("unknown(%d)", int(c))
	}
}

type callStatus struct {
	state  CallStatus
	callID string
}

// CallState is the state of one call table entry.  The Ended state is
// implicit: ending a call removes it from the table, and call ids are
// never reused.
type CallState int

const (
	// CallRinging is the initial state, the callee has not answered.
	CallRinging CallState = iota

	// CallActive means the callee accepted and voice frames relay.
	CallActive
)

func (c CallState) String() string {
	switch c {
	case CallRinging:
		return "ringing"
	case CallActive:
		return "active"
	default:
		return fmt.Sprintf("unknown(%d)", int(c))
	}
}

// Call is one call table entry.  The session references are weak: call
// teardown never closes a connection, and session teardown cascades
// into endCallLocked via OnSessionClosed.
type Call struct {
	ID string

	Caller     Session
	Callee     Session
	CallerNick string
	CalleeNick string

	State     CallState
	CreatedAt time.Time
}

// CallInfo is a management snapshot of one call.
type CallInfo struct {
	ID         string
	CallerNick string
	CalleeNick string
	State      string
	Age        time.Duration
}

// ringTimeout is the timer queue entry for an unanswered call.
type ringTimeout struct {
	callID string
}

// RequestCall initiates a call from the caller session to the target
// nickname.  Failures (unknown or busy target) are reported to the
// caller only and create no call table entry.
func (s *State) RequestCall(caller Session, targetNick string) {
	s.Lock()
	defer s.Unlock()

	callerNick, ok := s.nicknames[caller]
	if !ok {
		return
	}

	target, ok := s.sessions[targetNick]
	if !ok {
		s.sendEnvelopeLocked(caller, &wire.CallResponse{
			Type:    wire.TypeCallResponse,
			Status:  wire.CallStatusUserNotFound,
			Message: fmt.Sprintf("%s user not found", targetNick),
		})
		return
	}
	if s.status[target].state != CallStatusIdle {
		s.sendEnvelopeLocked(caller, &wire.CallResponse{
			Type:    wire.TypeCallResponse,
			Status:  wire.CallStatusUserBusy,
			Message: fmt.Sprintf("%s is currently busy", targetNick),
		})
		return
	}
	if s.status[caller].state != CallStatusIdle {
		// A session may be party to at most one live call.
		s.sendEnvelopeLocked(caller, &wire.CallResponse{
			Type:    wire.TypeCallResponse,
			Status:  wire.CallStatusUserBusy,
			Message: "you are already in a call",
		})
		return
	}

	call := &Call{
		ID:         uuid.NewString(),
		Caller:     caller,
		Callee:     target,
		CallerNick: callerNick,
		CalleeNick: targetNick,
		State:      CallRinging,
		CreatedAt:  time.Now(),
	}
	s.calls[call.ID] = call
	s.status[caller] = &callStatus{state: CallStatusCalling, callID: call.ID}
	s.status[target] = &callStatus{state: CallStatusRinging, callID: call.ID}
	instrument.CallsActive(len(s.calls))

	s.sendEnvelopeLocked(caller, &wire.CallResponse{
		Type:   wire.TypeCallResponse,
		Status: wire.CallStatusCalling,
		Target: targetNick,
		CallID: call.ID,
	})
	s.sendEnvelopeLocked(target, &wire.IncomingCall{
		Type:   wire.TypeIncomingCall,
		Caller: callerNick,
		CallID: call.ID,
	})
	s.log.Noticef("Call initiated: %v -> %v (%v)", callerNick, targetNick, call.ID)

	s.timers.Schedule(call.CreatedAt.Add(time.Duration(s.ringTimeout)), &ringTimeout{callID: call.ID})
}

// AnswerCall resolves a ringing call.  An unknown call id is tolerated
// without error: the call may have timed out or been torn down while
// the answer was in flight.
func (s *State) AnswerCall(responder Session, callID string, accept bool) {
	s.Lock()
	defer s.Unlock()

	call, ok := s.calls[callID]
	if !ok {
		return
	}
	if responder != call.Callee || call.State != CallRinging {
		return
	}

	if !accept {
		s.endCallLocked(callID, wire.ReasonRejected)
		return
	}

	call.State = CallActive
	s.status[call.Caller] = &callStatus{state: CallStatusInCall, callID: callID}
	s.status[call.Callee] = &callStatus{state: CallStatusInCall, callID: callID}

	s.sendEnvelopeLocked(call.Caller, &wire.CallStarted{
		Type:   wire.TypeCallStarted,
		CallID: callID,
		Peer:   call.CalleeNick,
	})
	s.sendEnvelopeLocked(call.Callee, &wire.CallStarted{
		Type:   wire.TypeCallStarted,
		CallID: callID,
		Peer:   call.CallerNick,
	})
	s.log.Noticef("Call accepted: %v <-> %v (%v)", call.CallerNick, call.CalleeNick, callID)
}

// EndCall terminates a call with the given reason.  It is idempotent:
// an absent call id is a no-op, so a hangup racing the ring timeout or
// a disconnect cascade never double-notifies.
func (s *State) EndCall(callID, reason string) {
	s.Lock()
	defer s.Unlock()
	s.endCallLocked(callID, reason)
}

func (s *State) endCallLocked(callID, reason string) {
	call, ok := s.calls[callID]
	if !ok {
		return
	}
	delete(s.calls, callID)
	instrument.CallsActive(len(s.calls))

	// Either party may already be gone from the status table when the
	// teardown cascades from a disconnect.
	if cs, ok := s.status[call.Caller]; ok && cs.callID == callID {
		s.status[call.Caller] = &callStatus{state: CallStatusIdle}
	}
	if cs, ok := s.status[call.Callee]; ok && cs.callID == callID {
		s.status[call.Callee] = &callStatus{state: CallStatusIdle}
	}

	ended := &wire.CallEnded{
		Type:   wire.TypeCallEnded,
		CallID: callID,
		Reason: reason,
	}
	s.sendEnvelopeLocked(call.Caller, ended)
	s.sendEnvelopeLocked(call.Callee, ended)
	s.log.Noticef("Call ended: %v <-> %v (%v)", call.CallerNick, call.CalleeNick, reason)
}

// RelayVoice forwards one audio frame to the other party of an active
// call.  Frames for unknown or still-ringing calls are dropped; there
// is no buffering and no ordering guarantee beyond the connection's
// own.
func (s *State) RelayVoice(sender Session, msg *wire.VoiceData) {
	s.Lock()
	defer s.Unlock()

	call, ok := s.calls[msg.CallID]
	if !ok || call.State != CallActive {
		return
	}

	var peer Session
	switch sender {
	case call.Caller:
		peer = call.Callee
	case call.Callee:
		peer = call.Caller
	default:
		return
	}

	frame, err := wire.Encode(&wire.VoiceData{
		Type:      wire.TypeVoiceData,
		CallID:    msg.CallID,
		AudioData: msg.AudioData,
	})
	if err != nil {
		return
	}
	peer.Send(frame)
	instrument.VoiceFrameRelayed()
}

// Push implements the timer queue target.  The entry is only acted
// upon if the call still exists and is still ringing: cancellation of
// ring timeouts is by re-validation, not by queue removal.
func (s *State) Push(v interface{}) error {
	rt, ok := v.(*ringTimeout)
	if !ok {
		return fmt.Errorf("state: unexpected timer entry %T", v)
	}

	s.Lock()
	defer s.Unlock()

	if call, ok := s.calls[rt.callID]; ok && call.State == CallRinging {
		s.log.Noticef("Call timed out: %v", rt.callID)
		s.endCallLocked(rt.callID, wire.ReasonTimeout)
	}
	return nil
}

// Calls returns a management snapshot of the call table.
func (s *State) Calls() []CallInfo {
	s.Lock()
	defer s.Unlock()

	now := time.Now()
	infos := make([]CallInfo, 0, len(s.calls))
	for _, call := range s.calls {
		infos = append(infos, CallInfo{
			ID:         call.ID,
			CallerNick: call.CallerNick,
			CalleeNick: call.CalleeNick,
			State:      call.State.String(),
			Age:        now.Sub(call.CreatedAt),
		})
	}
	return infos
}
