package tasks

import "time"

// Mode declares how a component relates to task-augmented execution.
type Mode int

const (
	// ModeForbidden rejects requests that carry task metadata. It is the
	// zero value: components that never opted in stay synchronous.
	ModeForbidden Mode = iota
	// ModeOptional serves both synchronous and task-augmented requests.
	ModeOptional
	// ModeRequired rejects requests that do not carry task metadata.
	ModeRequired
)

// String returns the wire-level name of the mode.
func (m Mode) String() string {
	switch m {
	case ModeOptional:
		return "optional"
	case ModeRequired:
		return "required"
	default:
		return "forbidden"
	}
}

// ParseMode maps a wire-level taskSupport string back to a Mode. ok is
// false for unknown strings.
func ParseMode(s string) (Mode, bool) {
	switch s {
	case "forbidden", "":
		return ModeForbidden, true
	case "optional":
		return ModeOptional, true
	case "required":
		return ModeRequired, true
	}
	return ModeForbidden, false
}

// DefaultPollInterval is the interval clients are told to poll at when a
// component does not configure one.
const DefaultPollInterval = 5 * time.Second

// Config is a component's task execution declaration.
type Config struct {
	Mode Mode
	// PollInterval is the suggested client poll interval reported on task
	// creation. Zero means DefaultPollInterval.
	PollInterval time.Duration
}

// EffectivePollInterval returns the configured poll interval, falling back
// to DefaultPollInterval.
func (c Config) EffectivePollInterval() time.Duration {
	if c.PollInterval > 0 {
		return c.PollInterval
	}
	return DefaultPollInterval
}

// CheckMode enforces a component's declared mode against the presence of
// task metadata on the request. key names the component in the error.
func CheckMode(key string, mode Mode, augmented bool) error {
	switch {
	case mode == ModeRequired && !augmented:
		return &ModeError{Key: key, Mode: mode}
	case mode == ModeForbidden && augmented:
		return &ModeError{Key: key, Mode: mode}
	}
	return nil
}
