package activity

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Messages holds the text spoken by the monitor.
type Messages struct {
	Warning            string
	IdleClosing        string
	MaxDurationClosing string
}

// Config is the immutable set of thresholds a Monitor evaluates against.
type Config struct {
	IdleTimeout        time.Duration
	WarningDelay       time.Duration
	MaxSessionDuration time.Duration
	PollInterval       time.Duration

	// ErrorBackoff is the base delay after a failed poll. Consecutive failures
	// back off exponentially up to maxErrorBackoffFactor times this value.
	ErrorBackoff time.Duration
	// FarewellDelay gives the closing message time to play before End.
	FarewellDelay time.Duration

	Messages Messages
}

const maxErrorBackoffFactor = 8

func DefaultMessages() Messages {
	return Messages{
		Warning:            "Hey, are you still with me? Say something if you want to keep training.",
		IdleClosing:        "Looks like you've stepped away, so I'm wrapping up our session. Great work today!",
		MaxDurationClosing: "We've hit the time limit for this session. Awesome effort, rest up and see you next time!",
	}
}

func DefaultConfig() Config {
	return Config{
		IdleTimeout:        60 * time.Second,
		WarningDelay:       45 * time.Second,
		MaxSessionDuration: 30 * time.Minute,
		PollInterval:       5 * time.Second,
		ErrorBackoff:       time.Second,
		FarewellDelay:      3 * time.Second,
		Messages:           DefaultMessages(),
	}
}

// Validate reports every threshold that cannot drive a monitor.
func (c Config) Validate() error {
	var errs []error
	check := func(name string, d time.Duration) {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	check("idle timeout", c.IdleTimeout)
	check("warning delay", c.WarningDelay)
	check("max session duration", c.MaxSessionDuration)
	check("poll interval", c.PollInterval)
	if c.FarewellDelay < 0 {
		errs = append(errs, fmt.Errorf("farewell delay must not be negative, got %s", c.FarewellDelay))
	}
	return errors.Join(errs...)
}

func (c Config) withDefaults() Config {
	def := DefaultMessages()
	if c.ErrorBackoff <= 0 {
		c.ErrorBackoff = time.Second
	}
	if strings.TrimSpace(c.Messages.Warning) == "" {
		c.Messages.Warning = def.Warning
	}
	if strings.TrimSpace(c.Messages.IdleClosing) == "" {
		c.Messages.IdleClosing = def.IdleClosing
	}
	if strings.TrimSpace(c.Messages.MaxDurationClosing) == "" {
		c.Messages.MaxDurationClosing = def.MaxDurationClosing
	}
	return c
}

func (c Config) closingMessage(reason Reason) string {
	if reason == ReasonMaxDuration {
		return c.Messages.MaxDurationClosing
	}
	return c.Messages.IdleClosing
}
