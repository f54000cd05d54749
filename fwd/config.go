// Package fwd is a small TCP port forwarder built on the mux package: every
// local connection rides as one logical stream over a single transport
// connection between weir-client and weir-server.
package fwd

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/weirmux/weir/mux"
)

// Config contains the parameter fields shared by the client and server
// commands, normally loaded from a JSON file.
type Config struct {
	// Transport selects how bytes cross the network: "tcp" for a plain TCP
	// connection or "ws" for a websocket. Both sides must agree.
	// Defaults to tcp.
	Transport string

	// WSPath is the URL path the websocket transport handshakes on.
	// Defaults to "/".
	WSPath string

	// RxRateLimit and TxRateLimit cap the session's receive and send
	// bandwidth in bytes per second. 0 means unlimited.
	RxRateLimit int64
	TxRateLimit int64

	// KeepAlive is the interval, in seconds, between keepalive frames on
	// an idle transport. 0 disables them.
	KeepAlive int

	// StreamTimeout is the duration, in seconds, after which a forwarded
	// connection with no incoming data is closed. Defaults to 300.
	StreamTimeout int
}

// DefaultConfig is the configuration used when no file is given.
func DefaultConfig() (Config, error) {
	return Config{}.withDefaults()
}

func ParseConfig(path string) (Config, error) {
	var config Config
	content, err := os.ReadFile(path)
	if err != nil {
		return config, fmt.Errorf("reading config file: %w", err)
	}
	if err := json.Unmarshal(content, &config); err != nil {
		return config, fmt.Errorf("parsing config file %v: %w", path, err)
	}
	return config.withDefaults()
}

func (c Config) withDefaults() (Config, error) {
	if c.Transport == "" {
		c.Transport = "tcp"
	}
	if c.Transport != "tcp" && c.Transport != "ws" {
		return c, fmt.Errorf("unknown transport %v", c.Transport)
	}
	if c.WSPath == "" {
		c.WSPath = "/"
	}
	if c.StreamTimeout == 0 {
		c.StreamTimeout = 300
	}
	return c, nil
}

func (c Config) sessionConfig(client bool) mux.SessionConfig {
	var valve *mux.Valve
	if c.RxRateLimit > 0 || c.TxRateLimit > 0 {
		rx, tx := c.RxRateLimit, c.TxRateLimit
		if rx <= 0 {
			rx = 1<<63 - 1
		}
		if tx <= 0 {
			tx = 1<<63 - 1
		}
		valve = mux.MakeValve(rx, tx)
	}
	return mux.SessionConfig{
		Client:            client,
		Valve:             valve,
		KeepaliveInterval: time.Duration(c.KeepAlive) * time.Second,
	}
}

func (c Config) streamTimeout() time.Duration {
	return time.Duration(c.StreamTimeout) * time.Second
}
