package broker

import "time"

type config struct {
	connAttempts int
	connTimeout  time.Duration
}

func defaultConfig() config {
	return config{
		connAttempts: _defaultConnAttempts,
		connTimeout:  _defaultConnTimeout,
	}
}

type Option func(*config)

// ConnAttempts sets how many times the broker is pinged before giving up.
func ConnAttempts(attempts int) Option {
	return func(c *config) {
		c.connAttempts = attempts
	}
}

// ConnTimeout sets the pause between connection attempts.
func ConnTimeout(timeout time.Duration) Option {
	return func(c *config) {
		c.connTimeout = timeout
	}
}
