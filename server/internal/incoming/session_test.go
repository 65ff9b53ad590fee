// session_test.go - Listener and session worker tests.
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

package incoming

import (
	"bufio"
	"encoding/json"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fidelio-chat/fidelio/core/log"
	"github.com/fidelio-chat/fidelio/server/config"
	"github.com/fidelio-chat/fidelio/server/internal/state"
	"github.com/fidelio-chat/fidelio/server/internal/wire"
)

func newTestListener(t *testing.T) (*Listener, *state.State, string) {
	cfg, err := config.Load([]byte(`[Server]
Identifier = "test.invalid"
Password = "fidelio"
`))
	require.NoError(t, err)

	logBackend, err := log.New("", "DEBUG", true)
	require.NoError(t, err)

	st := state.New(logBackend, int64(time.Minute))
	l, err := New(cfg, st, logBackend, 0, "tcp://127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() {
		l.Halt()
		st.Halt()
	})

	return l, st, l.l.Addr().String()
}

// readUntil accumulates raw reads until the buffer contains token.  The
// handshake markers are sent as individual writes but nothing stops the
// kernel from coalescing them.
func readUntil(t *testing.T, conn net.Conn, token string) string {
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var buf strings.Builder
	tmp := make([]byte, 1024)
	for !strings.Contains(buf.String(), token) {
		n, err := conn.Read(tmp)
		require.NoError(t, err, "waiting for %q", token)
		buf.Write(tmp[:n])
	}
	return buf.String()
}

func dialAndAuth(t *testing.T, addr, password, nickname string) (net.Conn, *bufio.Reader) {
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	readUntil(t, conn, wire.MarkerPassword)
	_, err = conn.Write([]byte(password))
	require.NoError(t, err)
	readUntil(t, conn, wire.MarkerNick)
	_, err = conn.Write([]byte(nickname))
	require.NoError(t, err)
	readUntil(t, conn, "Successfully connected")

	return conn, bufio.NewReader(conn)
}

func readEnvelope(t *testing.T, conn net.Conn, r *bufio.Reader, envelopeType string) map[string]interface{} {
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err, "waiting for %q envelope", envelopeType)

		var m map[string]interface{}
		if json.Unmarshal([]byte(line), &m) != nil {
			continue // Plain-text notice.
		}
		if m["type"] == envelopeType {
			return m
		}
	}
}

func TestAuthFailure(t *testing.T) {
	require := require.New(t)
	_, _, addr := newTestListener(t)

	conn, err := net.Dial("tcp", addr)
	require.NoError(err)
	defer conn.Close()

	readUntil(t, conn, wire.MarkerPassword)
	_, err = conn.Write([]byte("wrong"))
	require.NoError(err)
	readUntil(t, conn, wire.MarkerAuthFailed)

	// The server hangs up after the rejection.
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 16)
	_, err = conn.Read(buf)
	require.Error(err)
}

func TestDuplicateNickname(t *testing.T) {
	require := require.New(t)
	_, _, addr := newTestListener(t)

	dialAndAuth(t, addr, "fidelio", "alice")

	conn, err := net.Dial("tcp", addr)
	require.NoError(err)
	defer conn.Close()

	readUntil(t, conn, wire.MarkerPassword)
	_, err = conn.Write([]byte("fidelio"))
	require.NoError(err)
	readUntil(t, conn, wire.MarkerNick)
	// Canonicalization makes this collide with the live "alice".
	_, err = conn.Write([]byte("ALICE"))
	require.NoError(err)
	readUntil(t, conn, wire.MarkerNickTaken)
}

func TestSessionRelay(t *testing.T) {
	require := require.New(t)
	_, _, addr := newTestListener(t)

	aliceConn, aliceR := dialAndAuth(t, addr, "fidelio", "alice")
	bobConn, bobR := dialAndAuth(t, addr, "fidelio", "bob")

	// Key announcement propagates to the peer.
	frame, err := wire.Encode(&wire.PublicKey{Type: wire.TypePublicKey, Nickname: "alice", PublicKey: "alice-key"})
	require.NoError(err)
	_, err = aliceConn.Write(frame)
	require.NoError(err)
	key := readEnvelope(t, bobConn, bobR, wire.TypePublicKey)
	require.Equal("alice-key", key["public_key"])

	// Encrypted envelopes are relayed verbatim.
	raw := `{"type":"encrypted_message","sender":"bob","target":"alice","data":"AAAA"}` + "\n"
	_, err = bobConn.Write([]byte(raw))
	require.NoError(err)
	env := readEnvelope(t, aliceConn, aliceR, wire.TypeEncryptedMessage)
	require.Equal("AAAA", env["data"])

	// user_list excludes the requester.
	frame, err = wire.Encode(&wire.UserListRequest{Type: wire.TypeUserListRequest})
	require.NoError(err)
	_, err = aliceConn.Write(frame)
	require.NoError(err)
	list := readEnvelope(t, aliceConn, aliceR, wire.TypeUserList)
	users := list["users"].([]interface{})
	require.Len(users, 1)
	require.Equal("bob", users[0].(map[string]interface{})["nickname"])
}

func TestSessionHeartbeat(t *testing.T) {
	require := require.New(t)
	_, _, addr := newTestListener(t)

	conn, _ := dialAndAuth(t, addr, "fidelio", "alice")

	// A bare unframed PING is answered with a newline framed PONG, so
	// line-buffering clients never see it glued onto the next envelope.
	_, err := conn.Write([]byte(wire.TokenPing))
	require.NoError(err)
	readUntil(t, conn, wire.TokenPong+"\n")
}

func TestSessionCallSignaling(t *testing.T) {
	require := require.New(t)
	_, _, addr := newTestListener(t)

	aliceConn, aliceR := dialAndAuth(t, addr, "fidelio", "alice")
	bobConn, bobR := dialAndAuth(t, addr, "fidelio", "bob")

	frame, err := wire.Encode(&wire.CallRequest{Type: wire.TypeCallRequest, Target: "bob"})
	require.NoError(err)
	_, err = aliceConn.Write(frame)
	require.NoError(err)

	resp := readEnvelope(t, aliceConn, aliceR, wire.TypeCallResponse)
	require.Equal(wire.CallStatusCalling, resp["status"])
	ring := readEnvelope(t, bobConn, bobR, wire.TypeIncomingCall)
	callID := ring["call_id"].(string)
	require.Equal(resp["call_id"], callID)

	frame, err = wire.Encode(&wire.CallAnswer{Type: wire.TypeCallAnswer, CallID: callID, Action: wire.ActionAccept})
	require.NoError(err)
	_, err = bobConn.Write(frame)
	require.NoError(err)
	readEnvelope(t, aliceConn, aliceR, wire.TypeCallStarted)
	readEnvelope(t, bobConn, bobR, wire.TypeCallStarted)

	frame, err = wire.Encode(&wire.VoiceData{Type: wire.TypeVoiceData, CallID: callID, AudioData: "b64audio"})
	require.NoError(err)
	_, err = aliceConn.Write(frame)
	require.NoError(err)
	voice := readEnvelope(t, bobConn, bobR, wire.TypeVoiceData)
	require.Equal("b64audio", voice["audio_data"])

	// A disconnect ends the call for the surviving party.
	aliceConn.Close()
	ended := readEnvelope(t, bobConn, bobR, wire.TypeCallEnded)
	require.Equal(wire.ReasonDisconnected, ended["reason"])
}
