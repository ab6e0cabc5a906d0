// Package config holds the transport configuration types.
package config

import "time"

// Config stores the per-connection tuning knobs. A Transport applies one
// Config to every connection it creates.
type Config struct {
	ConnectInterval   time.Duration // handshake retransmit interval
	ConnectTimeout    time.Duration // handshake deadline
	ConnectionTimeout time.Duration // inactivity deadline before a timeout disconnect
	KeepAlivePingTime time.Duration // ping emission period on an idle connection
	MaxRetries        uint32        // reliable-send retransmit budget
	RetryInterval     time.Duration // reliable-send retransmit period

	UseOrdering bool // deliver reliable packets in sequence order
	Debug       bool // verbose logging

	// ExitOnReceiveException terminates the process when the receive loop
	// hits an error it cannot classify as recoverable.
	ExitOnReceiveException bool
}

// Default returns the standard configuration.
func Default() Config {
	return Config{
		ConnectInterval:   2 * time.Second,
		ConnectTimeout:    10 * time.Second,
		ConnectionTimeout: 40 * time.Second,
		KeepAlivePingTime: 15 * time.Second,
		MaxRetries:        10,
		RetryInterval:     500 * time.Millisecond,
		UseOrdering:       true,
	}
}
