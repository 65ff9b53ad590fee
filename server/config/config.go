// config.go - Fidelio relay server configuration.
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

// Package config provides the Fidelio relay server configuration.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/net/idna"
)

const (
	defaultAddress          = "tcp://0.0.0.0:12345"
	defaultLogLevel         = "NOTICE"
	defaultHandshakeTimeout = 30 * 1000 // 30 sec.
	defaultWriteTimeout     = 10 * 1000 // 10 sec.
	defaultHeartbeatIvl     = 10 * 1000 // 10 sec.
	defaultIdleTimeout      = 60 * 1000 // 60 sec.
	defaultRingTimeout      = 30 * 1000 // 30 sec.
	defaultSendQueueSize    = 128
	defaultManagementSocket = "management_sock"
)

var defaultLogging = Logging{
	Disable: false,
	File:    "",
	Level:   defaultLogLevel,
}

// Server is the relay server configuration.
type Server struct {
	// Identifier is the human readable identifier for the server
	// (eg: FQDN).
	Identifier string

	// Addresses are the listener endpoints, as URLs.  Supported schemes
	// are `tcp`, `tcp4`, `tcp6` and `quic`.
	Addresses []string

	// MetricsAddress is the address/port to bind the prometheus metrics
	// endpoint to.  Metrics are disabled when empty.
	MetricsAddress string

	// DataDir is the absolute path to the server's state files
	// (log file, management socket).
	DataDir string

	// Password is the shared secret clients must present, in the clear.
	// Mutually exclusive with PasswordHash.
	Password string

	// PasswordHash is the bcrypt hash of the shared secret, preferred
	// over Password so that the secret is not stored in the config.
	PasswordHash string
}

func (sCfg *Server) validate() error {
	if sCfg.Identifier == "" {
		return errors.New("config: Server: Identifier is not set")
	}
	if sCfg.Password == "" && sCfg.PasswordHash == "" {
		return errors.New("config: Server: one of Password or PasswordHash must be set")
	}
	if sCfg.Password != "" && sCfg.PasswordHash != "" {
		return errors.New("config: Server: Password and PasswordHash are mutually exclusive")
	}
	if sCfg.PasswordHash != "" {
		if _, err := bcrypt.Cost([]byte(sCfg.PasswordHash)); err != nil {
			return fmt.Errorf("config: Server: PasswordHash is not a bcrypt hash: %v", err)
		}
	}
	if sCfg.DataDir != "" && !filepath.IsAbs(sCfg.DataDir) {
		return fmt.Errorf("config: Server: DataDir '%v' is not an absolute path", sCfg.DataDir)
	}

	if len(sCfg.Addresses) == 0 {
		sCfg.Addresses = []string{defaultAddress}
	}
	for _, v := range sCfg.Addresses {
		u, err := url.Parse(v)
		if err != nil {
			return fmt.Errorf("config: Server: Address '%v' is invalid: %v", v, err)
		}
		switch u.Scheme {
		case "tcp", "tcp4", "tcp6", "quic":
		default:
			return fmt.Errorf("config: Server: Address '%v' has unsupported scheme '%v'", v, u.Scheme)
		}
		if u.Host == "" {
			return fmt.Errorf("config: Server: Address '%v' has no host", v)
		}
	}
	return nil
}

// Logging is the relay server logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level.
	Level string
}

func (lCfg *Logging) validate() error {
	lvl := strings.ToUpper(lCfg.Level)
	switch lvl {
	case "ERROR", "WARNING", "NOTICE", "INFO", "DEBUG":
	case "":
		lvl = defaultLogLevel
	default:
		return fmt.Errorf("config: Logging: Level '%v' is invalid", lCfg.Level)
	}
	lCfg.Level = lvl // Force uppercase.
	return nil
}

// Management is the management interface configuration.
type Management struct {
	// Enable enables the management interface.
	Enable bool

	// Path specifies the path to the management interface socket.  If
	// left empty it will use `management_sock` under the DataDir.
	Path string
}

func (mCfg *Management) applyDefaults(sCfg *Server) {
	if mCfg.Path == "" {
		mCfg.Path = filepath.Join(sCfg.DataDir, defaultManagementSocket)
	}
}

func (mCfg *Management) validate() error {
	if !mCfg.Enable {
		return nil
	}
	if !filepath.IsAbs(mCfg.Path) {
		return fmt.Errorf("config: Management: Path '%v' is not an absolute path", mCfg.Path)
	}
	return nil
}

// Debug is the relay server debug configuration.
type Debug struct {
	// HandshakeTimeout is the maximum amount of time a connection may
	// take to complete the password and nickname handshake in
	// milliseconds.
	HandshakeTimeout int

	// WriteTimeout is the per-frame write deadline for outbound relay
	// in milliseconds.  A blown deadline tears the peer down.
	WriteTimeout int

	// HeartbeatInterval is the interval between heartbeat probes to a
	// connected session in milliseconds.
	HeartbeatInterval int

	// IdleTimeout is the amount of inbound silence tolerated before a
	// session is proactively probed, in milliseconds.
	IdleTimeout int

	// RingTimeout is the amount of time an unanswered call rings before
	// it is ended with reason `timeout`, in milliseconds.
	RingTimeout int

	// SendQueueSize is the per-session outbound frame queue length.  A
	// session that falls this far behind is treated as disconnected.
	SendQueueSize int
}

func (dCfg *Debug) applyDefaults() {
	if dCfg.HandshakeTimeout <= 0 {
		dCfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if dCfg.WriteTimeout <= 0 {
		dCfg.WriteTimeout = defaultWriteTimeout
	}
	if dCfg.HeartbeatInterval <= 0 {
		dCfg.HeartbeatInterval = defaultHeartbeatIvl
	}
	if dCfg.IdleTimeout <= 0 {
		dCfg.IdleTimeout = defaultIdleTimeout
	}
	if dCfg.RingTimeout <= 0 {
		dCfg.RingTimeout = defaultRingTimeout
	}
	if dCfg.SendQueueSize <= 0 {
		dCfg.SendQueueSize = defaultSendQueueSize
	}
}

// Config is the top level relay server configuration.
type Config struct {
	Server     *Server
	Logging    *Logging
	Management *Management
	Debug      *Debug
}

// FixupAndValidate applies defaults to config entries and validates the
// supplied configuration.  Most people should call one of the Load
// variants instead.
func (cfg *Config) FixupAndValidate() error {
	// The Server section is mandatory, everything else is optional.
	if cfg.Server == nil {
		return errors.New("config: No Server block was present")
	}
	if cfg.Logging == nil {
		cfg.Logging = &defaultLogging
	}
	if cfg.Management == nil {
		cfg.Management = &Management{}
	}
	if cfg.Debug == nil {
		cfg.Debug = &Debug{}
	}
	cfg.Management.applyDefaults(cfg.Server)
	cfg.Debug.applyDefaults()

	if err := cfg.Server.validate(); err != nil {
		return err
	}
	if err := cfg.Logging.validate(); err != nil {
		return err
	}
	if err := cfg.Management.validate(); err != nil {
		return err
	}

	var err error
	cfg.Server.Identifier, err = idna.Lookup.ToASCII(cfg.Server.Identifier)
	if err != nil {
		return fmt.Errorf("config: Failed to normalize Identifier: %v", err)
	}

	return nil
}

// Store serializes a validated config snapshot to fileName on disk.
func Store(cfg *Config, fileName string) error {
	serialized, err := cbor.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(fileName, serialized, 0600)
}

// Load parses and validates the provided buffer b as a config file body
// and returns the Config.
func Load(b []byte) (*Config, error) {
	if b == nil {
		return nil, errors.New("config: No nil buffer as config file")
	}

	cfg := new(Config)
	if err := toml.Unmarshal(b, cfg); err != nil {
		return nil, err
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses and validates the provided file and returns
// the Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
