// wire.go - Relay wire protocol envelopes.
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

// Package wire implements the line oriented relay protocol: the raw
// handshake markers, the bare heartbeat tokens, and the newline
// delimited JSON envelopes exchanged in steady state.
//
// The server never interprets key material, ciphertext or audio
// payloads carried inside envelopes, it only routes them.
package wire

import (
	"bytes"
	"encoding/json"
)

// Handshake markers, sent raw without any framing.
const (
	MarkerPassword   = "PASSWORD"
	MarkerAuthOK     = "AUTH_SUCCESS"
	MarkerAuthFailed = "AUTH_FAILED"
	MarkerNick       = "NICK"
	MarkerNickTaken  = "NICK_TAKEN"
)

// Heartbeat tokens, bare and not newline framed.
const (
	TokenPing = "PING"
	TokenPong = "PONG"
)

// Envelope type discriminators.
const (
	TypePublicKey        = "public_key"
	TypeEncryptedMessage = "encrypted_message"
	TypeCallRequest      = "call_request"
	TypeCallResponse     = "call_response"
	TypeIncomingCall     = "incoming_call"
	TypeCallAnswer       = "call_answer"
	TypeCallStarted      = "call_started"
	TypeCallEnd          = "call_end"
	TypeCallEnded        = "call_ended"
	TypeVoiceData        = "voice_data"
	TypeUserListRequest  = "user_list_request"
	TypeUserList         = "user_list"
)

// call_response status values.
const (
	CallStatusCalling      = "calling"
	CallStatusUserNotFound = "user_not_found"
	CallStatusUserBusy     = "user_busy"
)

// call_answer actions.
const (
	ActionAccept = "accept"
	ActionReject = "reject"
)

// call_ended reasons.
const (
	ReasonEnded          = "ended"
	ReasonRejected       = "rejected"
	ReasonTimeout        = "timeout"
	ReasonDisconnected   = "disconnected"
	ReasonServerShutdown = "server_shutdown"
)

// Message is the closed set of inbound envelope variants.  Decode is a
// total function over frames: anything that is not a recognized JSON
// envelope decodes to Unclassified.
type Message interface {
	isMessage()
}

// PublicKey is a bulletin-board key announcement.  The same shape is
// relayed back out to peers, so it carries its own type tag.
type PublicKey struct {
	Type      string `json:"type"`
	Nickname  string `json:"nickname"`
	PublicKey string `json:"public_key"`
}

// EncryptedMessage is an end-to-end encrypted payload addressed to a
// single nickname.  Raw holds the undecoded frame so that the envelope
// is forwarded verbatim, whatever extra fields the client's encryption
// scheme put in it.
type EncryptedMessage struct {
	Type   string `json:"type"`
	Sender string `json:"sender"`
	Target string `json:"target"`

	Raw []byte `json:"-"`
}

// CallRequest asks the server to ring another nickname.
type CallRequest struct {
	Type   string `json:"type"`
	Target string `json:"target"`
}

// CallAnswer accepts or rejects a ringing call.
type CallAnswer struct {
	Type   string `json:"type"`
	CallID string `json:"call_id"`
	Action string `json:"action"`
}

// CallEnd hangs up a call.
type CallEnd struct {
	Type   string `json:"type"`
	CallID string `json:"call_id"`
}

// VoiceData is one opaque audio frame belonging to an active call.
type VoiceData struct {
	Type      string `json:"type"`
	CallID    string `json:"call_id"`
	AudioData string `json:"audio_data"`
}

// UserListRequest asks for the list of connected peers.
type UserListRequest struct {
	Type string `json:"type"`
}

// Unclassified is the fallback variant: a frame that is not valid JSON
// or carries an unknown type.  It is broadcast verbatim to all other
// sessions, which keeps plain-text chat clients working.
type Unclassified struct {
	Raw []byte
}

func (*PublicKey) isMessage()        {}
func (*EncryptedMessage) isMessage() {}
func (*CallRequest) isMessage()      {}
func (*CallAnswer) isMessage()       {}
func (*CallEnd) isMessage()          {}
func (*VoiceData) isMessage()        {}
func (*UserListRequest) isMessage()  {}
func (*Unclassified) isMessage()     {}

// Server to client envelopes.

// CallResponse reports the outcome of a call_request to the caller.
type CallResponse struct {
	Type    string `json:"type"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Target  string `json:"target,omitempty"`
	CallID  string `json:"call_id,omitempty"`
}

// IncomingCall notifies the callee of a ringing call.
type IncomingCall struct {
	Type   string `json:"type"`
	Caller string `json:"caller"`
	CallID string `json:"call_id"`
}

// CallStarted notifies both parties that the callee accepted.
type CallStarted struct {
	Type   string `json:"type"`
	CallID string `json:"call_id"`
	Peer   string `json:"peer"`
}

// CallEnded notifies both parties that a call reached its terminal
// state, with the reason.
type CallEnded struct {
	Type   string `json:"type"`
	CallID string `json:"call_id"`
	Reason string `json:"reason"`
}

// UserEntry is one row of a user_list reply.
type UserEntry struct {
	Nickname string `json:"nickname"`
	Status   string `json:"status"`
}

// UserList is the reply to a user_list_request.
type UserList struct {
	Type  string      `json:"type"`
	Users []UserEntry `json:"users"`
}

type probe struct {
	Type string `json:"type"`
}

// Decode classifies one frame into a Message variant.  Heartbeat tokens
// are expected to have been consumed by the framing layer before this
// point.
func Decode(frame []byte) Message {
	var p probe
	if err := json.Unmarshal(frame, &p); err != nil {
		return &Unclassified{Raw: frame}
	}

	switch p.Type {
	case TypePublicKey:
		v := new(PublicKey)
		if json.Unmarshal(frame, v) != nil {
			return &Unclassified{Raw: frame}
		}
		return v
	case TypeEncryptedMessage:
		v := new(EncryptedMessage)
		if json.Unmarshal(frame, v) != nil {
			return &Unclassified{Raw: frame}
		}
		v.Raw = frame
		return v
	case TypeCallRequest:
		v := new(CallRequest)
		if json.Unmarshal(frame, v) != nil {
			return &Unclassified{Raw: frame}
		}
		return v
	case TypeCallAnswer:
		v := new(CallAnswer)
		if json.Unmarshal(frame, v) != nil {
			return &Unclassified{Raw: frame}
		}
		return v
	case TypeCallEnd:
		v := new(CallEnd)
		if json.Unmarshal(frame, v) != nil {
			return &Unclassified{Raw: frame}
		}
		return v
	case TypeVoiceData:
		v := new(VoiceData)
		if json.Unmarshal(frame, v) != nil {
			return &Unclassified{Raw: frame}
		}
		return v
	case TypeUserListRequest:
		return new(UserListRequest)
	default:
		return &Unclassified{Raw: frame}
	}
}

// Encode serializes a server to client envelope as one newline
// terminated JSON frame.
func Encode(v interface{}) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// Raw returns b framed as one line, appending the trailing newline if
// it is missing.  Used for verbatim relay of unclassified frames and
// plain-text notices.
func Raw(b []byte) []byte {
	if len(b) > 0 && b[len(b)-1] == '\n' {
		return b
	}
	out := make([]byte, 0, len(b)+1)
	out = append(out, b...)
	return append(out, '\n')
}

var (
	pingToken = []byte(TokenPing)
	pongToken = []byte(TokenPong)
)

// SplitFrames is a bufio.SplitFunc for the steady-state stream.  It
// emits bare PING/PONG heartbeat tokens (which clients send
// without any framing) and otherwise newline delimited frames with the
// line ending stripped.
func SplitFrames(data []byte, atEOF bool) (int, []byte, error) {
	if len(data) == 0 {
		return 0, nil, nil
	}

	for _, tok := range [][]byte{pingToken, pongToken} {
		if !bytes.HasPrefix(data, tok) {
			continue
		}
		rest := data[len(tok):]
		switch {
		case len(rest) == 0:
			// The whole buffer is the token.  Emit it immediately, a
			// heartbeat must not wait for more traffic to arrive.
			return len(tok), tok, nil
		case rest[0] == '\n':
			return len(tok) + 1, tok, nil
		case rest[0] == '\r' && len(rest) > 1 && rest[1] == '\n':
			return len(tok) + 2, tok, nil
		case rest[0] == '{':
			// Token coalesced with the next JSON envelope.
			return len(tok), tok, nil
		}
	}

	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		return i + 1, dropCR(data[:i]), nil
	}
	if atEOF {
		return len(data), dropCR(data), nil
	}
	return 0, nil, nil
}

func dropCR(b []byte) []byte {
	if len(b) > 0 && b[len(b)-1] == '\r' {
		return b[:len(b)-1]
	}
	return b
}
