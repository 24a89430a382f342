package internal

import "time"

// Option is a functional option for configuring the application.
type Option func(*application)

type application struct {
	config *Config
	now    func() time.Time
}

// WithConfig sets the application configuration.
func WithConfig(cfg *Config) Option {
	return func(a *application) {
		a.config = cfg
	}
}

// WithClock overrides the time source used for staleness annotations,
// overdue derivation, and pipeline day windows. Nil means time.Now.
func WithClock(now func() time.Time) Option {
	return func(a *application) {
		a.now = now
	}
}
