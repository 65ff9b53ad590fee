// keydir.go - Public key bulletin board.
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
	"github.com/fidelio-chat/fidelio/server/internal/wire"
)

// AnnounceKey stores the announced public key blob and runs the
// bulletin board exchange: the announcer receives every other stored
// (nickname, key) pair, and every other session receives the new
// announcement.  The blob is never parsed; a malformed key is the
// client's problem when decryption later fails.
//
// The announcement's nickname field is trusted only as far as the
// session's own registered nickname: announcing under someone else's
// name is ignored.  Clients announce under the nickname as they typed
// it, so the field is canonicalized before the comparison.
func (s *State) AnnounceKey(sess Session, announcement *wire.PublicKey) {
	s.Lock()
	defer s.Unlock()

	nickname, ok := s.nicknames[sess]
	if !ok {
		return
	}
	announced, err := CanonicalNickname(announcement.Nickname)
	if err != nil || announced != nickname {
		s.log.Warningf("Dropping public key announcement for '%v' from session '%v'", announcement.Nickname, nickname)
		return
	}

	s.keys[nickname] = announcement.PublicKey
	s.log.Debugf("Stored public key for: %v", nickname)

	// Replay the existing directory to the announcer.
	for nick, blob := range s.keys {
		if nick == nickname {
			continue
		}
		s.sendEnvelopeLocked(sess, &wire.PublicKey{
			Type:      wire.TypePublicKey,
			Nickname:  nick,
			PublicKey: blob,
		})
	}

	// Forward the new key to everyone else.
	relay := &wire.PublicKey{
		Type:      wire.TypePublicKey,
		Nickname:  nickname,
		PublicKey: announcement.PublicKey,
	}
	for other := range s.nicknames {
		if other != sess {
			s.sendEnvelopeLocked(other, relay)
		}
	}
}
