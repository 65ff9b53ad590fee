// registry.go - Session registry.
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
	"sort"

	"golang.org/x/text/secure/precis"

	"github.com/fidelio-chat/fidelio/server/internal/instrument"
	"github.com/fidelio-chat/fidelio/server/internal/wire"
)

// CanonicalNickname canonicalizes and validates a candidate nickname.
func CanonicalNickname(nickname string) (string, error) {
	nick, err := precis.UsernameCaseMapped.String(nickname)
	if err != nil {
		return "", fmt.Errorf("state: invalid nickname: %v", err)
	}
	if nick == "" {
		return "", fmt.Errorf("state: invalid nickname: empty")
	}
	return nick, nil
}

// Register binds nickname to sess and announces the arrival to the
// other sessions.  Nickname uniqueness is enforced: a second session
// presenting a live nickname is rejected with ErrNicknameTaken.
func (s *State) Register(sess Session, nickname string) error {
	s.Lock()
	defer s.Unlock()

	if _, ok := s.sessions[nickname]; ok {
		return ErrNicknameTaken
	}

	s.sessions[nickname] = sess
	s.nicknames[sess] = nickname
	s.status[sess] = &callStatus{state: CallStatusIdle}
	instrument.SessionsActive(len(s.sessions))

	s.broadcastLocked([]byte(fmt.Sprintf("%s joined the chat!\n", nickname)), sess)
	s.log.Noticef("Registered session: %v", nickname)
	return nil
}

// OnSessionClosed is the single cleanup path for a dying session.  It
// is idempotent: it removes the registry entry and key record, and
// cascades into the call teardown with reason `disconnected` if the
// session was party to a live call.
func (s *State) OnSessionClosed(sess Session) {
	s.Lock()
	defer s.Unlock()

	nickname, ok := s.nicknames[sess]
	if !ok {
		return
	}

	if cs := s.status[sess]; cs != nil && cs.state != CallStatusIdle && cs.callID != "" {
		s.endCallLocked(cs.callID, wire.ReasonDisconnected)
	}

	delete(s.nicknames, sess)
	delete(s.sessions, nickname)
	delete(s.status, sess)
	delete(s.keys, nickname)
	instrument.SessionsActive(len(s.sessions))

	if !s.shuttingDown {
		s.broadcastLocked([]byte(fmt.Sprintf("%s left the chat!\n", nickname)), nil)
	}
	s.log.Noticef("Unregistered session: %v", nickname)
}

// Nickname returns the nickname bound to sess, if any.
func (s *State) Nickname(sess Session) (string, bool) {
	s.Lock()
	defer s.Unlock()
	nickname, ok := s.nicknames[sess]
	return nickname, ok
}

// SendUserList answers a user_list_request with a snapshot of every
// other session and its call status, sorted by nickname.
func (s *State) SendUserList(requester Session) {
	s.Lock()
	defer s.Unlock()

	self := s.nicknames[requester]
	users := make([]wire.UserEntry, 0, len(s.sessions))
	for nickname, sess := range s.sessions {
		if nickname == self {
			continue
		}
		users = append(users, wire.UserEntry{
			Nickname: nickname,
			Status:   s.status[sess].state.String(),
		})
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Nickname < users[j].Nickname })

	s.sendEnvelopeLocked(requester, &wire.UserList{
		Type:  wire.TypeUserList,
		Users: users,
	})
}

// Users returns every registered nickname with its call status, sorted
// by nickname.  Used by the management interface.
func (s *State) Users() []wire.UserEntry {
	s.Lock()
	defer s.Unlock()

	users := make([]wire.UserEntry, 0, len(s.sessions))
	for nickname, sess := range s.sessions {
		users = append(users, wire.UserEntry{
			Nickname: nickname,
			Status:   s.status[sess].state.String(),
		})
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Nickname < users[j].Nickname })
	return users
}
