package shm

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	internalshm "github.com/srediag/shm-channel/internal/shm"
)

// Role is the fixed part an endpoint plays on a channel.
type Role uint8

const (
	// Initiator holds the first write turn and owns (unlinks) the segment.
	Initiator Role = iota
	// Responder receives first and never unlinks.
	Responder
)

func (r Role) String() string {
	switch r {
	case Initiator:
		return "initiator"
	case Responder:
		return "responder"
	}
	return "role(" + strconv.Itoa(int(r)) + ")"
}

// Peer returns the counterpart role.
func (r Role) Peer() Role {
	if r == Initiator {
		return Responder
	}
	return Initiator
}

// WaitStrategy selects how an endpoint sleeps until its turn.
type WaitStrategy int

const (
	// WaitAuto uses the futex where the platform has one and backoff elsewhere.
	WaitAuto WaitStrategy = iota
	// WaitFutex blocks in the kernel on the state word.
	WaitFutex
	// WaitBackoff polls the state word with exponential backoff.
	WaitBackoff
)

func (w WaitStrategy) String() string {
	switch w {
	case WaitAuto:
		return "auto"
	case WaitFutex:
		return "futex"
	case WaitBackoff:
		return "backoff"
	}
	return "wait(" + strconv.Itoa(int(w)) + ")"
}

// ParseWaitStrategy maps "auto", "futex" or "backoff" to a WaitStrategy.
func ParseWaitStrategy(s string) (WaitStrategy, error) {
	switch s {
	case "", "auto":
		return WaitAuto, nil
	case "futex":
		return WaitFutex, nil
	case "backoff":
		return WaitBackoff, nil
	}
	return WaitAuto, fmt.Errorf("unknown wait strategy %q", s)
}

const (
	// DefaultSize matches the common page size: smaller segments still cost a page.
	DefaultSize = 4096
	// MaxSegmentSize bounds the segment; the channel is for short text.
	MaxSegmentSize = 16 << 20
	// DefaultTimeout bounds a wait whose context carries no deadline.
	DefaultTimeout = 5 * time.Second

	defaultWaitSlice = 50 * time.Millisecond
)

// Environment variables read by ConfigFromEnv.
const (
	EnvDir     = "SHMCHAN_DIR"
	EnvSize    = "SHMCHAN_SIZE"
	EnvTimeout = "SHMCHAN_TIMEOUT"
	EnvWait    = "SHMCHAN_WAIT"
)

// Config holds the parameters an endpoint is opened with.
type Config struct {
	// Name is the rendezvous name both processes agree on out of band.
	Name string
	// Dir holds the segment files; empty means /dev/shm.
	Dir  string
	Role Role
	// Size is the total segment size in bytes, header included.
	Size int
	// Timeout bounds Send and Receive when the context has no deadline.
	Timeout time.Duration
	Wait    WaitStrategy
	// WaitSlice is the longest single futex sleep, so cancellation is noticed.
	WaitSlice time.Duration

	Metrics *Metrics
	Meter   metric.Meter
	Tracer  trace.Tracer
}

// DefaultConfig returns the default configuration for an initiator.
func DefaultConfig() *Config {
	return &Config{
		Dir:       internalshm.DefaultDir,
		Role:      Initiator,
		Size:      DefaultSize,
		Timeout:   DefaultTimeout,
		Wait:      WaitAuto,
		WaitSlice: defaultWaitSlice,
	}
}

// ConfigFromEnv returns DefaultConfig for name with SHMCHAN_* overrides applied.
func ConfigFromEnv(name string, role Role) (*Config, error) {
	c := DefaultConfig()
	c.Name = name
	c.Role = role
	if v := os.Getenv(EnvDir); v != "" {
		c.Dir = v
	}
	if v := os.Getenv(EnvSize); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", EnvSize, err)
		}
		c.Size = n
	}
	if v := os.Getenv(EnvTimeout); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", EnvTimeout, err)
		}
		c.Timeout = d
	}
	if v := os.Getenv(EnvWait); v != "" {
		w, err := ParseWaitStrategy(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", EnvWait, err)
		}
		c.Wait = w
	}
	return c, VerifyConfig(c)
}

// VerifyConfig checks that config can open a channel.
func VerifyConfig(config *Config) error {
	if config == nil {
		return errors.New("config is nil")
	}
	if err := internalshm.ValidateName(config.Name); err != nil {
		return err
	}
	if config.Role != Initiator && config.Role != Responder {
		return fmt.Errorf("invalid role %d", config.Role)
	}
	if config.Size < MinSegmentSize || config.Size > MaxSegmentSize {
		return fmt.Errorf("segment size %d out of range [%d, %d]", config.Size, MinSegmentSize, MaxSegmentSize)
	}
	if config.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %s", config.Timeout)
	}
	if config.WaitSlice <= 0 {
		return fmt.Errorf("wait slice must be positive, got %s", config.WaitSlice)
	}
	switch config.Wait {
	case WaitAuto, WaitBackoff:
	case WaitFutex:
		if !internalshm.FutexSupported {
			return errors.New("futex wait strategy is not supported on this platform")
		}
	default:
		return fmt.Errorf("invalid wait strategy %d", config.Wait)
	}
	return nil
}
