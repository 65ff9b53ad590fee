// server.go - Fidelio relay server.
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

// Package server implements the Fidelio relay server, the rendezvous
// point for end-to-end encrypted chat and voice call signaling.  The
// server authenticates connections, tracks nicknames and public key
// announcements, and routes envelopes between sessions without ever
// interpreting their payloads.
package server

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/fidelio-chat/fidelio/core/log"
	"github.com/fidelio-chat/fidelio/core/thwack"
	"github.com/fidelio-chat/fidelio/server/config"
	"github.com/fidelio-chat/fidelio/server/internal/incoming"
	"github.com/fidelio-chat/fidelio/server/internal/instrument"
	"github.com/fidelio-chat/fidelio/server/internal/state"
)

// Server is a relay server instance.
type Server struct {
	cfg *config.Config

	logBackend *log.Backend
	log        *logging.Logger

	state      *state.State
	listeners  []*incoming.Listener
	management *thwack.Server

	fatalErrCh chan error
	haltedCh   chan interface{}
	haltOnce   sync.Once
}

func (s *Server) initDataDir() error {
	const dirMode = os.ModeDir | 0700
	d := s.cfg.Server.DataDir
	if d == "" {
		return nil
	}

	// Ensure that the data directory exists (or can be created), and
	// that it has the appropriate permissions.
	if fi, err := os.Lstat(d); err != nil {
		// Directory doesn't exist, create one.
		if !os.IsNotExist(err) {
			return fmt.Errorf("server: failed to stat() DataDir: %v", err)
		}
		if err = os.Mkdir(d, dirMode); err != nil {
			return fmt.Errorf("server: failed to create DataDir: %v", err)
		}
	} else {
		if !fi.IsDir() {
			return fmt.Errorf("server: DataDir '%v' is not a directory", d)
		}
		if fi.Mode() != dirMode {
			return fmt.Errorf("server: DataDir '%v' has invalid permissions '%v', should be '%v'", d, fi.Mode(), dirMode)
		}
	}

	return nil
}

func (s *Server) initLogging() error {
	p := s.cfg.Logging.File
	if !s.cfg.Logging.Disable && s.cfg.Logging.File != "" {
		if !filepath.IsAbs(p) {
			p = filepath.Join(s.cfg.Server.DataDir, p)
		}
	}

	var err error
	s.logBackend, err = log.New(p, s.cfg.Logging.Level, s.cfg.Logging.Disable)
	if err == nil {
		s.log = s.logBackend.GetLogger("server")
	}
	return err
}

// RotateLog rotates the log file if logging to a file is enabled.
func (s *Server) RotateLog() {
	if err := s.logBackend.Rotate(); err != nil {
		// A rotate racing the shutdown is not fatal twice over.
		select {
		case s.fatalErrCh <- fmt.Errorf("failed to rotate log file, shutting down server"):
		case <-s.haltedCh:
		}
		return
	}
	s.log.Notice("Log rotated.")
}

// Wait waits till the server is terminated for any reason.
func (s *Server) Wait() {
	<-s.haltedCh
}

// Shutdown cleanly shuts down a given Server instance.
func (s *Server) Shutdown() {
	s.haltOnce.Do(func() { s.halt() })
}

func (s *Server) halt() {
	s.log.Notice("Starting graceful shutdown.")

	// Notify the connected sessions and end the live calls before the
	// listeners yank the connections out from under them.
	if s.state != nil {
		s.state.Shutdown()
	}

	// Halt the management interface.
	if s.management != nil {
		s.management.Halt()
		s.management = nil
		os.Remove(s.cfg.Management.Path)
	}

	// Halt the listeners and close all connections.
	for idx, l := range s.listeners {
		if l != nil {
			l.Halt()
		}
		s.listeners[idx] = nil
	}

	// Halt the state timer worker.
	if s.state != nil {
		s.state.Halt()
		s.state = nil
	}

	s.log.Notice("Shutdown complete.")
	close(s.haltedCh)
}

func (s *Server) registerManagementCommands() {
	const (
		cmdShutdown  = "SHUTDOWN"
		cmdListUsers = "LIST_USERS"
		cmdListCalls = "LIST_CALLS"
	)

	s.management.RegisterCommand(cmdShutdown, func(c *thwack.Conn, l string) error {
		// Initiate the shutdown from a separate goroutine, halt joins on
		// the management worker that is executing this command.
		go s.Shutdown()
		return c.WriteReply(thwack.StatusOk)
	})
	s.management.RegisterCommand(cmdListUsers, func(c *thwack.Conn, l string) error {
		for _, u := range s.state.Users() {
			if err := c.Writer().PrintfLine("%v %v", u.Nickname, u.Status); err != nil {
				return err
			}
		}
		return c.WriteReply(thwack.StatusOk)
	})
	s.management.RegisterCommand(cmdListCalls, func(c *thwack.Conn, l string) error {
		for _, call := range s.state.Calls() {
			if err := c.Writer().PrintfLine("%v %v %v %v %v", call.ID, call.CallerNick, call.CalleeNick, call.State, call.Age.Round(time.Second)); err != nil {
				return err
			}
		}
		return c.WriteReply(thwack.StatusOk)
	})
}

// New returns a new Server instance parameterized with the specified
// configuration.
func New(cfg *config.Config) (*Server, error) {
	s := new(Server)
	s.cfg = cfg
	s.fatalErrCh = make(chan error)
	s.haltedCh = make(chan interface{})

	// Do the early initialization and bring up logging.
	if err := s.initDataDir(); err != nil {
		return nil, err
	}
	if err := s.initLogging(); err != nil {
		return nil, err
	}

	s.log.Noticef("Server identifier is: '%v'", s.cfg.Server.Identifier)
	if s.cfg.Logging.Level == "DEBUG" {
		s.log.Warning("Unsafe Debug logging is enabled.")
	}
	if s.cfg.Server.Password != "" {
		s.log.Warning("Password is configured in the clear, consider PasswordHash.")
	}

	// Past this point, failures need to call s.Shutdown() to do cleanup.
	isOk := false
	defer func() {
		if !isOk {
			s.Shutdown()
		}
	}()

	// Start the fatal error watcher.
	go func() {
		select {
		case err := <-s.fatalErrCh:
			s.log.Warningf("Shutting down due to error: %v", err)
			s.Shutdown()
		case <-s.haltedCh:
		}
	}()

	// Bring up the shared state.
	ringTimeout := time.Duration(s.cfg.Debug.RingTimeout) * time.Millisecond
	s.state = state.New(s.logBackend, int64(ringTimeout))

	// Bring up the metrics endpoint.
	instrument.Init(s.cfg.Server.MetricsAddress)

	// Bring up the management interface.
	if s.cfg.Management.Enable {
		mgmtCfg := &thwack.Config{
			Net:         "unix",
			Addr:        s.cfg.Management.Path,
			ServiceName: s.cfg.Server.Identifier,
			LogModule:   "mgmt",
			NewLoggerFn: s.logBackend.GetLogger,
		}
		var err error
		if s.management, err = thwack.New(mgmtCfg); err != nil {
			s.log.Errorf("Failed to initialize management interface: %v", err)
			return nil, err
		}
		s.registerManagementCommands()
		if err = s.management.Start(); err != nil {
			s.log.Errorf("Failed to start management interface: %v", err)
			return nil, err
		}
	}

	// Bring up the listeners.
	for i, addr := range s.cfg.Server.Addresses {
		l, err := incoming.New(s.cfg, s.state, s.logBackend, i, addr)
		if err != nil {
			s.log.Errorf("Failed to spawn listener on address: %v (%v).", addr, err)
			return nil, err
		}
		s.listeners = append(s.listeners, l)
	}
	if len(s.listeners) == 0 {
		return nil, fmt.Errorf("server: failed to start all listeners")
	}

	isOk = true
	return s, nil
}
