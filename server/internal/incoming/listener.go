// listener.go - Fidelio relay listener.
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

// Package incoming implements the incoming connection support.
package incoming

import (
	"container/list"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"gopkg.in/op/go-logging.v1"

	"github.com/fidelio-chat/fidelio/core/log"
	"github.com/fidelio-chat/fidelio/core/quicutil"
	"github.com/fidelio-chat/fidelio/core/worker"
	"github.com/fidelio-chat/fidelio/server/config"
	"github.com/fidelio-chat/fidelio/server/internal/state"
)

const keepAliveInterval = 3 * time.Minute

// Listener accepts and manages the connections of one configured
// endpoint.
type Listener struct {
	sync.Mutex
	worker.Worker

	cfg        *config.Config
	state      *state.State
	logBackend *log.Backend
	log        *logging.Logger

	l     net.Listener
	conns *list.List

	closeAllCh chan struct{}
	closeAllWg sync.WaitGroup
}

// Halt stops the listener and tears down every connection it accepted.
func (l *Listener) Halt() {
	// Close the listener, wait for worker() to return.
	l.l.Close()
	l.Worker.Halt()

	// Close all connections belonging to the listener.
	//
	// Note: Worst case this can take up to the handshake timeout to
	// actually complete, since the channel isn't checked mid-handshake.
	close(l.closeAllCh)
	l.closeAllWg.Wait()
}

func (l *Listener) worker() {
	addr := l.l.Addr()
	l.log.Noticef("Listening on: %v", addr)
	defer func() {
		l.log.Noticef("Stopping listening on: %v", addr)
		l.l.Close() // Usually redundant, but harmless.
	}()
	for {
		select {
		case <-l.closeAllCh:
			return
		default:
		}
		conn, err := l.l.Accept()
		if err != nil {
			if e, ok := err.(net.Error); ok && !e.Temporary() {
				l.log.Errorf("accept failure: %v", err)
				return
			}
			continue
		}

		if tcpConn, ok := conn.(*net.TCPConn); ok {
			tcpConn.SetKeepAlive(true)
			tcpConn.SetKeepAlivePeriod(keepAliveInterval)
		}

		l.log.Debugf("Accepted new connection: %v", conn.RemoteAddr())

		l.onNewConn(conn)
	}

	// NOTREACHED
}

func (l *Listener) onNewConn(conn net.Conn) {
	c := newSession(l, conn)

	l.closeAllWg.Add(1)
	l.Lock()
	defer func() {
		l.Unlock()
		go c.worker()
	}()
	c.e = l.conns.PushFront(c)
}

func (l *Listener) onClosedConn(c *session) {
	l.Lock()
	defer func() {
		l.Unlock()
		l.closeAllWg.Done()
	}()
	l.conns.Remove(c.e)
}

// New creates a new Listener bound to the addr URL and starts accepting
// connections.
func New(cfg *config.Config, st *state.State, logBackend *log.Backend, id int, addr string) (*Listener, error) {
	l := &Listener{
		cfg:        cfg,
		state:      st,
		logBackend: logBackend,
		log:        logBackend.GetLogger(fmt.Sprintf("listener:%d", id)),
		conns:      list.New(),
		closeAllCh: make(chan struct{}),
	}

	u, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("incoming: address '%v' is invalid: %v", addr, err)
	}
	switch u.Scheme {
	case "tcp", "tcp4", "tcp6":
		l.l, err = net.Listen(u.Scheme, u.Host)
		if err != nil {
			l.log.Errorf("Failed to start listener '%v': %v", addr, err)
			return nil, err
		}
	case "quic":
		ql, err := quic.ListenAddr(u.Host, quicutil.GenerateTLSConfig(), nil)
		if err != nil {
			l.log.Errorf("Failed to start listener '%v': %v", addr, err)
			return nil, err
		}
		// Wrap quic.Listener so it looks like a net.Listener handing
		// out one stream per connection.
		l.l = &quicutil.Listener{Listener: ql}
	default:
		return nil, fmt.Errorf("incoming: unsupported listener scheme '%v'", u.Scheme)
	}

	l.Go(l.worker)
	return l, nil
}
