package status

import "time"

type Config struct {
	Addr         string        `json:"addr"`
	Port         uint16        `json:"port"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`

	// requests per minute and per client IP
	RateLimit int `json:"rate_limit"`
	BurstSize int `json:"burst_size"`

	// events queued per websocket client before it is dropped
	EventBuffer int `json:"event_buffer"`
}

func DefaultConfig() Config {
	c := Config{}
	c.SetDefaults()

	return c
}

func (c *Config) SetDefaults() {
	if c.Addr == "" {
		c.Addr = "0.0.0.0"
	}

	if c.Port == 0 {
		c.Port = 8080
	}

	if c.ReadTimeout == 0 {
		c.ReadTimeout = 30 * time.Second
	}

	if c.WriteTimeout == 0 {
		c.WriteTimeout = 30 * time.Second
	}

	if c.RateLimit == 0 {
		c.RateLimit = 300
	}

	if c.BurstSize == 0 {
		c.BurstSize = 20
	}

	if c.EventBuffer == 0 {
		c.EventBuffer = 64
	}
}
