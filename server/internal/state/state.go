// state.go - Shared relay state.
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

// Package state holds all of the mutable state shared between session
// workers: the session registry, the public key directory and the call
// table.  One mutex serializes every mutation and snapshot so that no
// worker ever observes a torn intermediate state.
package state

import (
	"errors"
	"fmt"
	"sync"

	"gopkg.in/op/go-logging.v1"

	"github.com/fidelio-chat/fidelio/core/log"
	"github.com/fidelio-chat/fidelio/core/timerqueue"
	"github.com/fidelio-chat/fidelio/server/internal/instrument"
	"github.com/fidelio-chat/fidelio/server/internal/wire"
)

var (
	// ErrNicknameTaken is returned by Register when the nickname is
	// already bound to a live session.
	ErrNicknameTaken = errors.New("state: nickname already registered")

	// ErrTargetNotFound is the call failure for an unknown nickname.
	ErrTargetNotFound = errors.New("state: target not found")

	// ErrTargetBusy is the call failure for a non-idle callee.
	ErrTargetBusy = errors.New("state: target busy")
)

// Session is the handle the state keeps for one live connection.  Send
// enqueues one outbound frame and never blocks on the peer; delivery
// failure is the session's own teardown problem, not the caller's.
type Session interface {
	Send(frame []byte)
}

// State is the shared directory of sessions, keys and calls.
type State struct {
	sync.Mutex

	log *logging.Logger

	sessions  map[string]Session
	nicknames map[Session]string
	keys      map[string]string
	calls     map[string]*Call
	status    map[Session]*callStatus

	timers       *timerqueue.TimerQueue
	ringTimeout  int64 // Nanoseconds; fixed at construction.
	shuttingDown bool
}

// New constructs the shared state.  ringTimeout is the duration after
// which an unanswered call is ended with reason `timeout`.
func New(logBackend *log.Backend, ringTimeoutNanos int64) *State {
	s := &State{
		log:         logBackend.GetLogger("state"),
		sessions:    make(map[string]Session),
		nicknames:   make(map[Session]string),
		keys:        make(map[string]string),
		calls:       make(map[string]*Call),
		status:      make(map[Session]*callStatus),
		ringTimeout: ringTimeoutNanos,
	}
	s.timers = timerqueue.New(s)
	return s
}

// Halt stops the timer worker.  Shutdown should be called first so that
// peers are notified.
func (s *State) Halt() {
	s.timers.Halt()
}

// Shutdown ends every call with reason `server_shutdown` and notifies
// all connected sessions that the server is going away.  Sessions are
// closed by their listeners afterwards.
func (s *State) Shutdown() {
	s.Lock()
	defer s.Unlock()

	s.shuttingDown = true
	for id := range s.calls {
		s.endCallLocked(id, wire.ReasonServerShutdown)
	}
	s.broadcastLocked([]byte("Server shutting down...\n"), nil)
}

// Broadcast relays raw bytes to every session except sender.  This is
// the fallback path for unclassified frames and plain-text notices.
func (s *State) Broadcast(raw []byte, sender Session) {
	s.Lock()
	defer s.Unlock()
	s.broadcastLocked(raw, sender)
}

func (s *State) broadcastLocked(raw []byte, sender Session) {
	frame := wire.Raw(raw)
	for sess := range s.nicknames {
		if sess != sender {
			sess.Send(frame)
		}
	}
}

// sendEnvelopeLocked encodes v and enqueues it on sess.  Encoding only
// fails on programmer error, so failures are logged and dropped.
func (s *State) sendEnvelopeLocked(sess Session, v interface{}) {
	frame, err := wire.Encode(v)
	if err != nil {
		s.log.Errorf("Failed to encode %T: %v", v, err)
		return
	}
	sess.Send(frame)
	instrument.EnvelopeRelayed(envelopeType(v))
}

func envelopeType(v interface{}) string {
	switch m := v.(type) {
	case *wire.PublicKey:
		return wire.TypePublicKey
	case *wire.CallResponse:
		return wire.TypeCallResponse
	case *wire.IncomingCall:
		return wire.TypeIncomingCall
	case *wire.CallStarted:
		return wire.TypeCallStarted
	case *wire.CallEnded:
		return wire.TypeCallEnded
	case *wire.UserList:
		return wire.TypeUserList
	case *wire.VoiceData:
		return wire.TypeVoiceData
	default:
		return fmt.Sprintf("%T", m)
	}
}
