package streamsessions

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/joeshaw/envdecode"

	"github.com/paystream/streamsessions-go/events"
	"github.com/paystream/streamsessions-go/ledger"
)

// Config tunes the coordinator. All knobs are externally supplied; zero
// values select the defaults below.
type Config struct {
	// MaxSessionDuration is the hard ceiling on metered time. Sessions
	// reaching it are force-stopped on the system's behalf.
	// ENV: STREAMSESSIONS_MAX_DURATION
	MaxSessionDuration time.Duration `env:"STREAMSESSIONS_MAX_DURATION,default=1h"`
	// WatchdogInterval is the reconciliation tick period.
	// ENV: STREAMSESSIONS_WATCHDOG_INTERVAL
	WatchdogInterval time.Duration `env:"STREAMSESSIONS_WATCHDOG_INTERVAL,default=60s"`
	// CallTimeout bounds every ledger gateway call.
	// ENV: STREAMSESSIONS_CALL_TIMEOUT
	CallTimeout time.Duration `env:"STREAMSESSIONS_CALL_TIMEOUT,default=30s"`
	// EventBuffer bounds each event bus subscriber's channel.
	// ENV: STREAMSESSIONS_EVENT_BUFFER
	EventBuffer int `env:"STREAMSESSIONS_EVENT_BUFFER,default=64"`
}

// applyDefaults populates zero values with conservative defaults.
func (c *Config) applyDefaults() {
	if c.MaxSessionDuration == 0 {
		c.MaxSessionDuration = time.Hour
	}
	if c.WatchdogInterval == 0 {
		c.WatchdogInterval = 60 * time.Second
	}
	if c.CallTimeout == 0 {
		c.CallTimeout = 30 * time.Second
	}
	if c.EventBuffer == 0 {
		c.EventBuffer = events.DefaultSubscriberBuffer
	}
}

// ConfigFromEnv builds a Config from the environment via envdecode.
func ConfigFromEnv() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode env config: %w", err)
	}
	return cfg, nil
}

// Option configures a Coordinator at construction.
type Option func(*Coordinator)

// WithConfig replaces the default Config.
func WithConfig(cfg Config) Option {
	return func(c *Coordinator) { c.cfg = cfg }
}

// WithLogger sets the coordinator's logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(c *Coordinator) { c.log = log }
}

// WithBus replaces the default in-process event bus, for callers that
// want to share one bus across components.
func WithBus(bus events.Bus) Option {
	return func(c *Coordinator) { c.bus = bus }
}

// WithVerifier enables ledger receipt verification. Without it, receipts
// are trusted as delivered by the transport.
func WithVerifier(v *ledger.Verifier) Option {
	return func(c *Coordinator) { c.verifier = v }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}
