// session.go - Per connection session worker.
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
	"bytes"
	"container/list"
	"crypto/subtle"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/op/go-logging.v1"

	"github.com/fidelio-chat/fidelio/server/internal/instrument"
	"github.com/fidelio-chat/fidelio/server/internal/state"
	"github.com/fidelio-chat/fidelio/server/internal/wire"
)

// Voice frames carry base64 audio and dwarf every other envelope.
const maxFrameSize = 2 * 1024 * 1024

var sessionID uint64

type session struct {
	l    *Listener
	log  *logging.Logger
	conn net.Conn
	e    *list.Element

	sendCh  chan []byte
	recvCh  chan []byte
	closeCh chan struct{}

	closeOnce sync.Once

	id uint64
}

// Send enqueues one outbound frame.  It never blocks: a session whose
// queue is full is not keeping up with its traffic and is torn down, the
// relay does not buffer on behalf of slow peers.
func (c *session) Send(frame []byte) {
	select {
	case c.sendCh <- frame:
	case <-c.closeCh:
	default:
		c.log.Warningf("Send queue overflow, closing session")
		c.Close()
	}
}

// Close initiates the teardown of the session.
func (c *session) Close() {
	c.closeOnce.Do(func() {
		close(c.closeCh)
		c.conn.Close()
	})
}

func (c *session) worker() {
	defer func() {
		c.log.Debugf("Closing")
		c.Close()
		c.l.state.OnSessionClosed(c)
		c.l.onClosedConn(c)
	}()

	if err := c.handshake(); err != nil {
		c.log.Debugf("Handshake failed: %v", err)
		return
	}

	go c.txWorker()
	go c.rxWorker()

	heartbeatIvl := time.Duration(c.l.cfg.Debug.HeartbeatInterval) * time.Millisecond
	idleTimeout := time.Duration(c.l.cfg.Debug.IdleTimeout) * time.Millisecond
	ticker := time.NewTicker(heartbeatIvl)
	defer ticker.Stop()

	lastRecv := time.Now()
	for {
		select {
		case <-c.l.closeAllCh:
			return
		case <-c.closeCh:
			return
		case frame := <-c.recvCh:
			lastRecv = time.Now()
			c.onFrame(frame)
		case now := <-ticker.C:
			if now.Sub(lastRecv) > idleTimeout {
				c.log.Debugf("Peer went silent, closing session")
				return
			}
			// Newline framed so line-buffering clients never glue the
			// token onto the next envelope.
			c.Send(wire.Raw([]byte(wire.TokenPing)))
		}
	}
}

// handshake runs the password and nickname exchange.  Both sides of the
// exchange are raw tokens with no framing, one token per read, under a
// single deadline covering the whole exchange.
func (c *session) handshake() error {
	deadline := time.Duration(c.l.cfg.Debug.HandshakeTimeout) * time.Millisecond
	if err := c.conn.SetDeadline(time.Now().Add(deadline)); err != nil {
		return err
	}

	if _, err := c.conn.Write([]byte(wire.MarkerPassword)); err != nil {
		return err
	}
	password, err := c.readToken()
	if err != nil {
		instrument.AuthFailure()
		return err
	}
	if !c.checkPassword(password) {
		instrument.AuthFailure()
		c.conn.Write([]byte(wire.MarkerAuthFailed))
		return fmt.Errorf("invalid password from %v", c.conn.RemoteAddr())
	}
	if _, err = c.conn.Write([]byte(wire.MarkerAuthOK)); err != nil {
		return err
	}

	if _, err = c.conn.Write([]byte(wire.MarkerNick)); err != nil {
		return err
	}
	rawNick, err := c.readToken()
	if err != nil {
		return err
	}
	nickname, err := state.CanonicalNickname(string(rawNick))
	if err != nil {
		return err
	}
	if err = c.l.state.Register(c, nickname); err != nil {
		if err == state.ErrNicknameTaken {
			c.conn.Write([]byte(wire.MarkerNickTaken))
		}
		return err
	}
	c.log.Noticef("Session established: %v (%v)", nickname, c.conn.RemoteAddr())

	if err = c.conn.SetDeadline(time.Time{}); err != nil {
		return err
	}
	_, err = c.conn.Write([]byte("Successfully connected to server! E2E active\n"))
	return err
}

// readToken reads one raw handshake token.  Clients send each token as
// a single write, so one read suffices; trailing line endings are
// tolerated.
func (c *session) readToken() ([]byte, error) {
	buf := make([]byte, 1024)
	n, err := c.conn.Read(buf)
	if err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf[:n], "\r\n"), nil
}

func (c *session) checkPassword(presented []byte) bool {
	if h := c.l.cfg.Server.PasswordHash; h != "" {
		return bcrypt.CompareHashAndPassword([]byte(h), presented) == nil
	}
	return subtle.ConstantTimeCompare([]byte(c.l.cfg.Server.Password), presented) == 1
}

// onFrame routes one inbound frame.  Unclassifiable frames fall back to
// a broadcast, which is what keeps plain-text chat lines flowing.
func (c *session) onFrame(frame []byte) {
	switch string(frame) {
	case wire.TokenPing:
		c.Send(wire.Raw([]byte(wire.TokenPong)))
		return
	case wire.TokenPong:
		// Receipt alone refreshed the liveness clock.
		return
	}

	switch msg := wire.Decode(frame).(type) {
	case *wire.PublicKey:
		c.l.state.AnnounceKey(c, msg)
	case *wire.EncryptedMessage:
		c.l.state.ForwardEncrypted(msg)
	case *wire.CallRequest:
		c.l.state.RequestCall(c, msg.Target)
	case *wire.CallAnswer:
		c.l.state.AnswerCall(c, msg.CallID, msg.Action == wire.ActionAccept)
	case *wire.CallEnd:
		c.l.state.EndCall(msg.CallID, wire.ReasonEnded)
	case *wire.VoiceData:
		c.l.state.RelayVoice(c, msg)
	case *wire.UserListRequest:
		c.l.state.SendUserList(c)
	case *wire.Unclassified:
		c.l.state.Broadcast(msg.Raw, c)
	}
}

// rxWorker splits the inbound stream into frames and feeds the session
// worker.  Any read failure tears the session down.
func (c *session) rxWorker() {
	defer c.Close()

	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 64*1024), maxFrameSize)
	scanner.Split(wire.SplitFrames)
	for scanner.Scan() {
		// The scanner reuses its buffer across Scan calls.
		frame := make([]byte, len(scanner.Bytes()))
		copy(frame, scanner.Bytes())
		select {
		case c.recvCh <- frame:
		case <-c.closeCh:
			return
		}
	}
	if err := scanner.Err(); err != nil {
		c.log.Debugf("Read failure: %v", err)
	}
}

// txWorker drains the send queue onto the connection, one deadline per
// frame.  A blown deadline means the peer stopped draining its socket,
// which tears the session down.
func (c *session) txWorker() {
	defer c.Close()

	writeTimeout := time.Duration(c.l.cfg.Debug.WriteTimeout) * time.Millisecond
	for {
		select {
		case <-c.closeCh:
			return
		case frame := <-c.sendCh:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				return
			}
			if _, err := c.conn.Write(frame); err != nil {
				c.log.Debugf("Write failure: %v", err)
				return
			}
		}
	}
}

func newSession(l *Listener, conn net.Conn) *session {
	c := &session{
		l:       l,
		conn:    conn,
		sendCh:  make(chan []byte, l.cfg.Debug.SendQueueSize),
		recvCh:  make(chan []byte),
		closeCh: make(chan struct{}),
		id:      atomic.AddUint64(&sessionID, 1),
	}
	c.log = l.logBackend.GetLogger(fmt.Sprintf("session:%d", c.id))
	return c
}
