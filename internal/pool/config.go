package pool

import (
	"time"

	"github.com/rs/zerolog"
)

// Defaults applied when corresponding Config fields are unset.
const (
	defaultMaxInstancesPerLanguage = 2
	defaultIdleTimeout             = 10 * time.Minute
	defaultSweepInterval           = 60 * time.Second
	defaultLeaseWaitTimeout        = 30 * time.Second
	defaultPredictiveWaitTimeout   = 500 * time.Millisecond
	defaultCrashBackoffSeed        = 500 * time.Millisecond
	defaultCrashBackoffCap         = 5
	defaultCrashThreshold          = 3
	defaultCrashCooldown           = 5 * time.Minute
	defaultStartupTimeout          = 60 * time.Second
	defaultTerminateTimeout        = 5 * time.Second
)

// Config encapsulates all tunables for Pool construction.
type Config struct {
	MaxInstancesPerLanguage int
	IdleTimeout             time.Duration
	// SweepInterval is the idle sweep period. Negative disables the sweep loop.
	SweepInterval         time.Duration
	LeaseWaitTimeout      time.Duration
	PredictiveWaitTimeout time.Duration
	CrashBackoffSeed      time.Duration
	// CrashBackoffCap bounds the backoff exponent. Zero uses the default;
	// negative keeps every delay at the seed.
	CrashBackoffCap int
	// CrashThreshold is the crash count at which a record is retired and the
	// key's circuit opens.
	CrashThreshold   int
	CrashCooldown    time.Duration
	StartupTimeout   time.Duration
	TerminateTimeout time.Duration
	// DisposeOnRelease terminates instances as soon as their last holder
	// releases them instead of keeping them idle.
	DisposeOnRelease bool
	// RestartIntervals maps a language to the age after which the sweep
	// recycles its server processes. Missing or zero never recycles.
	RestartIntervals map[string]time.Duration

	Launcher  Launcher
	Opener    FileOpener
	Publisher EventPublisher
	Logger    *zerolog.Logger
	// Now overrides the clock; tests only.
	Now func() time.Time
}

func (c Config) withDefaults() Config {
	if c.MaxInstancesPerLanguage <= 0 {
		c.MaxInstancesPerLanguage = defaultMaxInstancesPerLanguage
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = defaultIdleTimeout
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = defaultSweepInterval
	}
	if c.LeaseWaitTimeout <= 0 {
		c.LeaseWaitTimeout = defaultLeaseWaitTimeout
	}
	if c.PredictiveWaitTimeout <= 0 {
		c.PredictiveWaitTimeout = defaultPredictiveWaitTimeout
	}
	if c.CrashBackoffSeed <= 0 {
		c.CrashBackoffSeed = defaultCrashBackoffSeed
	}
	if c.CrashBackoffCap == 0 {
		c.CrashBackoffCap = defaultCrashBackoffCap
	}
	if c.CrashThreshold <= 0 {
		c.CrashThreshold = defaultCrashThreshold
	}
	if c.CrashCooldown <= 0 {
		c.CrashCooldown = defaultCrashCooldown
	}
	if c.StartupTimeout <= 0 {
		c.StartupTimeout = defaultStartupTimeout
	}
	if c.TerminateTimeout <= 0 {
		c.TerminateTimeout = defaultTerminateTimeout
	}
	if c.Publisher == nil {
		c.Publisher = noopPublisher{}
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}
