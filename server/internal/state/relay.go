// relay.go - Encrypted message relay.
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
	"github.com/fidelio-chat/fidelio/server/internal/instrument"
	"github.com/fidelio-chat/fidelio/server/internal/wire"
)

// ForwardEncrypted relays an encrypted envelope verbatim to its target
// session.  Delivery is at-most-once and best-effort: an unknown target
// drops the envelope silently, the sender gets no confirmation either
// way.
func (s *State) ForwardEncrypted(msg *wire.EncryptedMessage) {
	s.Lock()
	defer s.Unlock()

	target, ok := s.sessions[msg.Target]
	if !ok {
		s.log.Debugf("Dropping encrypted message for unknown target: %v", msg.Target)
		instrument.EnvelopeDropped(wire.TypeEncryptedMessage)
		return
	}

	target.Send(wire.Raw(msg.Raw))
	instrument.EnvelopeRelayed(wire.TypeEncryptedMessage)
}
