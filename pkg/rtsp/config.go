package rtsp

import (
	"net"
	"strconv"
	"time"
)

type ServerConfig struct {
	Address              string
	Port                 int
	MaxClients           int
	AllowLocalOnly       bool
	ReadTimeout          time.Duration
	WriteTimeout         time.Duration
	WriteQueueSize       int
	UDPRTPAddress        string
	UDPRTCPAddress       string
	MulticastIPRange     string
	MulticastRTPPort     int
	MulticastRTCPPort    int
	ReServeAttempts      int
	ReServerDelay        time.Duration
	IdleMediaTimeout     time.Duration
	CleanupInterval      time.Duration
	MetricsPrintInterval time.Duration
}

// DefaultServerConfig listens on 0.0.0.0:8554. It never consults the
// environment.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Address:              "0.0.0.0",
		Port:                 8554,
		MaxClients:           100,
		AllowLocalOnly:       false,
		ReadTimeout:          10 * time.Second,
		WriteTimeout:         10 * time.Second,
		WriteQueueSize:       256,
		UDPRTPAddress:        ":8000",
		UDPRTCPAddress:       ":8001",
		MulticastIPRange:     "224.1.0.0/16",
		MulticastRTPPort:     8002,
		MulticastRTCPPort:    8003,
		ReServeAttempts:      0,
		ReServerDelay:        3 * time.Second,
		IdleMediaTimeout:     60 * time.Second,
		CleanupInterval:      30 * time.Second,
		MetricsPrintInterval: 0,
	}
}

func (c *ServerConfig) RTSPAddress() string {
	return net.JoinHostPort(c.Address, strconv.Itoa(c.Port))
}
