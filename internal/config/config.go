// Package config defines the plain configuration surface the orchestrator
// is injected with. Reading the on-disk TOML file is the CLI's job, and the
// REMOSHELL_SIGNALING_URL / REMOSHELL_LOG_LEVEL overrides are applied by
// cmd/remoshelld; this package only shapes the data the rest of the daemon
// consumes.
package config

import "time"

// Config is the resolved daemon configuration: file values merged by the
// (out-of-scope) CLI layer, environment overrides applied by cmd/remoshelld.
type Config struct {
	// [daemon]
	DataDir  string
	LogLevel string // trace|debug|info|warn|error

	// [network]
	SignalingURL string
	STUNServers  []string
	// QUICListenAddr is the UDP address the native-peer (QUIC) transport
	// accepts inbound connections on, e.g. ":7443". Empty disables the
	// native accept loop (WebRTC/signaling path is unaffected).
	QUICListenAddr string

	// [session]
	DefaultShell string
	MaxSessions  int

	// [file]
	AllowedPaths []string
	MaxFileSize  int64

	// [security]
	RequireApproval bool
	ApprovalTimeout time.Duration
}

// Default returns a Config with the documented defaults, suitable for tests
// and for a fresh first run before any file/env override is applied.
func Default() *Config {
	return &Config{
		DataDir:         "~/.local/share/remoshell",
		LogLevel:        "info",
		SignalingURL:    "wss://signal.remoshell.dev",
		STUNServers:     []string{"stun:stun.l.google.com:19302"},
		QUICListenAddr:  ":7443",
		DefaultShell:    "",
		MaxSessions:     32,
		AllowedPaths:    nil,
		MaxFileSize:     1 << 30, // 1 GiB
		RequireApproval: true,
		ApprovalTimeout: 5 * time.Minute,
	}
}

// IdentityPath returns the path identity.key is persisted at.
func (c *Config) IdentityPath() string { return c.DataDir + "/identity.key" }

// TrustedDevicesPath returns the path the trust store is persisted at.
func (c *Config) TrustedDevicesPath() string { return c.DataDir + "/trusted_devices.json" }

// PermissionsPath returns the path the path-permission store is persisted at.
func (c *Config) PermissionsPath() string { return c.DataDir + "/permissions.json" }

// PIDPath returns the path the daemon's PID file is written at.
func (c *Config) PIDPath() string { return c.DataDir + "/daemon.pid" }

// SocketPath returns the path the IPC control socket is bound at.
func (c *Config) SocketPath() string { return c.DataDir + "/daemon.sock" }

// TempDir returns the upload scratch directory.
func (c *Config) TempDir() string { return c.DataDir + "/tmp" }

// TransferLogPath returns the path of the sqlite-backed transfer history log.
func (c *Config) TransferLogPath() string { return c.DataDir + "/transfers.db" }
