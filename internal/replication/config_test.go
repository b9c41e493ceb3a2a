package replication

import (
	"testing"

	"github.com/mpark/pgreplica/pkg/lsn"
)

func validConfig() Config {
	return Config{
		Host:        "localhost",
		User:        "repl",
		Database:    "appdb",
		Slot:        "my_slot",
		Publication: "my_pub",
	}
}

func TestWithDefaults(t *testing.T) {
	cfg := validConfig().WithDefaults()
	if cfg.Port != DefaultPort {
		t.Errorf("Port = %d, want %d", cfg.Port, DefaultPort)
	}
	if cfg.StatusInterval != DefaultStatusInterval {
		t.Errorf("StatusInterval = %v, want %v", cfg.StatusInterval, DefaultStatusInterval)
	}
	if cfg.IdleWakeupInterval != DefaultIdleWakeupInterval {
		t.Errorf("IdleWakeupInterval = %v, want %v", cfg.IdleWakeupInterval, DefaultIdleWakeupInterval)
	}
	if cfg.BufferEvents != DefaultBufferEvents {
		t.Errorf("BufferEvents = %d, want %d", cfg.BufferEvents, DefaultBufferEvents)
	}
}

func TestWithDefaultsPreservesExplicitValues(t *testing.T) {
	cfg := validConfig()
	cfg.Port = 6543
	cfg.BufferEvents = 16
	got := cfg.WithDefaults()
	if got.Port != 6543 {
		t.Errorf("Port = %d, want 6543", got.Port)
	}
	if got.BufferEvents != 16 {
		t.Errorf("BufferEvents = %d, want 16", got.BufferEvents)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c Config) Config
		wantErr bool
	}{
		{"valid", func(c Config) Config { return c }, false},
		{"missing host", func(c Config) Config { c.Host = ""; return c }, true},
		{"missing user", func(c Config) Config { c.User = ""; return c }, true},
		{"missing database", func(c Config) Config { c.Database = ""; return c }, true},
		{"missing slot", func(c Config) Config { c.Slot = ""; return c }, true},
		{"missing publication", func(c Config) Config { c.Publication = ""; return c }, true},
		{
			"require-with-root-certs but no certs",
			func(c Config) Config { c.TLS = TLSRequireWithRootCerts; return c },
			true,
		},
		{
			"stop_at_lsn before start_lsn",
			func(c Config) Config {
				c.StartLSN = lsn.LSN(200)
				stop := lsn.LSN(100)
				c.StopAtLSN = &stop
				return c
			},
			true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.mutate(validConfig())
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				if _, ok := err.(*ConfigError); !ok {
					t.Errorf("error type = %T, want *ConfigError", err)
				}
			}
		})
	}
}
