package replication

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/mpark/pgreplica/pkg/lsn"
)

// TLSPolicy selects how the transport negotiates TLS during startup.
type TLSPolicy int

const (
	TLSDisabled TLSPolicy = iota
	TLSPrefer
	TLSRequire
	TLSRequireWithRootCerts
)

func (p TLSPolicy) String() string {
	switch p {
	case TLSDisabled:
		return "disabled"
	case TLSPrefer:
		return "prefer"
	case TLSRequire:
		return "require"
	case TLSRequireWithRootCerts:
		return "require-with-root-certs"
	default:
		return "unknown"
	}
}

// Config holds everything needed to open and drive one replication session.
type Config struct {
	Host     string
	Port     uint16
	User     string
	Password string
	Database string

	TLS       TLSPolicy
	RootCerts []byte // PEM-encoded trust store, required when TLS == TLSRequireWithRootCerts

	Slot        string
	Publication string

	// StartLSN is the position to begin streaming from. Zero means "use the
	// slot's own confirmed_flush_lsn".
	StartLSN lsn.LSN

	// StopAtLSN, if non-nil, is the terminal position: once an XLogData
	// frame with wal_end >= *StopAtLSN is delivered, the session emits it,
	// then a StoppedAt event, then closes.
	StopAtLSN *lsn.LSN

	StatusInterval      time.Duration
	IdleWakeupInterval  time.Duration
	BufferEvents        int

	// AutoAck selects the acknowledgement mode from spec §4.4: true means
	// last_applied advances to wal_end immediately after each event is
	// delivered into the channel; false means the caller must drive
	// last_applied via UpdateAppliedLSN.
	AutoAck bool

	// ApplicationName is sent as a startup parameter, surfaced in the
	// server's pg_stat_replication view.
	ApplicationName string

	// Logger is the structured logging sink threaded through every
	// component. The zero value is a disabled logger.
	Logger zerolog.Logger
}

const (
	DefaultPort               uint16        = 5432
	DefaultStatusInterval     time.Duration = 10 * time.Second
	DefaultIdleWakeupInterval time.Duration = 10 * time.Second
	DefaultBufferEvents       int           = 8192
)

// WithDefaults returns a copy of c with zero-valued optional fields filled in.
func (c Config) WithDefaults() Config {
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.StatusInterval == 0 {
		c.StatusInterval = DefaultStatusInterval
	}
	if c.IdleWakeupInterval == 0 {
		c.IdleWakeupInterval = DefaultIdleWakeupInterval
	}
	if c.BufferEvents == 0 {
		c.BufferEvents = DefaultBufferEvents
	}
	return c
}

// Validate reports a ConfigError for any field that is invalid or required
// but missing.
func (c Config) Validate() error {
	if c.Host == "" {
		return &ConfigError{Field: "Host", Reason: "must not be empty"}
	}
	if c.User == "" {
		return &ConfigError{Field: "User", Reason: "must not be empty"}
	}
	if c.Database == "" {
		return &ConfigError{Field: "Database", Reason: "must not be empty"}
	}
	if c.Slot == "" {
		return &ConfigError{Field: "Slot", Reason: "must not be empty"}
	}
	if c.Publication == "" {
		return &ConfigError{Field: "Publication", Reason: "must not be empty"}
	}
	if c.TLS == TLSRequireWithRootCerts && len(c.RootCerts) == 0 {
		return &ConfigError{Field: "RootCerts", Reason: "required when TLS is RequireWithRootCerts"}
	}
	if c.StopAtLSN != nil && *c.StopAtLSN < c.StartLSN {
		return &ConfigError{Field: "StopAtLSN", Reason: fmt.Sprintf("must be >= StartLSN (%s)", c.StartLSN)}
	}
	return nil
}
