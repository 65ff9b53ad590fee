// config_test.go - Server configuration tests.
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

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestConfig(t *testing.T) {
	require := require.New(t)

	_, err := Load(nil)
	require.Error(err, "no Load() with nil config")

	basicConfig := `# A basic configuration example.
[Server]
Identifier = "relay.example.com"
Addresses = [ "tcp://127.0.0.1:12345", "quic://127.0.0.1:12346" ]
Password = "fidelio"

[Logging]
Level = "debug"
`
	cfg, err := Load([]byte(basicConfig))
	require.NoError(err, "Load() with basic config")
	require.Equal("relay.example.com", cfg.Server.Identifier)
	require.Equal("DEBUG", cfg.Logging.Level, "log level forced to uppercase")

	// Defaults are applied.
	require.Equal(defaultHandshakeTimeout, cfg.Debug.HandshakeTimeout)
	require.Equal(defaultRingTimeout, cfg.Debug.RingTimeout)
	require.Equal(defaultSendQueueSize, cfg.Debug.SendQueueSize)
	require.False(cfg.Management.Enable)
}

func TestConfigMissingServer(t *testing.T) {
	require := require.New(t)

	_, err := Load([]byte(`[Logging]
Level = "NOTICE"
`))
	require.Error(err, "no Server block")
}

func TestConfigPassword(t *testing.T) {
	require := require.New(t)

	_, err := Load([]byte(`[Server]
Identifier = "relay.example.com"
`))
	require.Error(err, "no password at all")

	_, err = Load([]byte(`[Server]
Identifier = "relay.example.com"
Password = "fidelio"
PasswordHash = "not-even-a-hash"
`))
	require.Error(err, "both Password and PasswordHash")

	_, err = Load([]byte(`[Server]
Identifier = "relay.example.com"
PasswordHash = "not-even-a-hash"
`))
	require.Error(err, "malformed bcrypt hash")

	hash, err := bcrypt.GenerateFromPassword([]byte("fidelio"), bcrypt.MinCost)
	require.NoError(err)
	cfg, err := Load([]byte(fmt.Sprintf(`[Server]
Identifier = "relay.example.com"
PasswordHash = "%s"
`, hash)))
	require.NoError(err, "valid bcrypt hash")
	require.Equal(string(hash), cfg.Server.PasswordHash)
}

func TestConfigStore(t *testing.T) {
	require := require.New(t)

	cfg, err := Load([]byte(`[Server]
Identifier = "relay.example.com"
Addresses = [ "tcp://127.0.0.1:12345" ]
Password = "fidelio"
`))
	require.NoError(err)

	fn := filepath.Join(t.TempDir(), "config.cbor")
	require.NoError(Store(cfg, fn))

	b, err := os.ReadFile(fn)
	require.NoError(err)
	stored := new(Config)
	require.NoError(cbor.Unmarshal(b, stored))
	require.Equal(cfg.Server.Identifier, stored.Server.Identifier)
	require.Equal(cfg.Server.Addresses, stored.Server.Addresses)
	require.Equal(cfg.Debug.RingTimeout, stored.Debug.RingTimeout)
}

func TestConfigAddresses(t *testing.T) {
	require := require.New(t)

	_, err := Load([]byte(`[Server]
Identifier = "relay.example.com"
Password = "fidelio"
Addresses = [ "udp://127.0.0.1:12345" ]
`))
	require.Error(err, "unsupported scheme")

	cfg, err := Load([]byte(`[Server]
Identifier = "relay.example.com"
Password = "fidelio"
`))
	require.NoError(err)
	require.Equal([]string{defaultAddress}, cfg.Server.Addresses, "default address applied")
}
