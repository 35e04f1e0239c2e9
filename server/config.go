// Copyright 2026 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package server

import (
	"fmt"
	"os"
	"time"

	"github.com/u-root/whisper/session"
	"gopkg.in/yaml.v3"
)

// DefaultPort is the port whisperd listens on.
const DefaultPort = "17020"

// Config is the whisperd configuration file.
type Config struct {
	// Network is tcp, unix or vsock.
	Network string `yaml:"network"`
	// Port is a port number, or a path for unix sockets.
	Port string `yaml:"port"`
	// HostKey is the server's private key. If empty, a key is
	// generated on each start.
	HostKey string `yaml:"host_key"`
	// AuthorizedKeys lists the client keys allowed to connect. If
	// empty, any key may.
	AuthorizedKeys string `yaml:"authorized_keys"`
	// Passwords is a file of user:bcrypt-hash lines.
	Passwords string `yaml:"passwords"`
	// Users maps users to bcrypt hashes, in addition to Passwords.
	Users map[string]string `yaml:"users"`
	// MaxAuthTries is how many failed logins end a connection.
	MaxAuthTries int `yaml:"max_auth_tries"`
	// Compress enables LZ4 compression of output chunks.
	Compress bool `yaml:"compress"`
	// MaxBuffered bounds each input stream. Zero is unbounded. A
	// client that fills stdin stalls its own connection until the
	// command reads it or the shell closes.
	MaxBuffered int `yaml:"max_buffered"`

	// Shell is the command run on a pty shell; empty means $SHELL.
	Shell []string `yaml:"shell"`
	// Dir is the working directory of commands.
	Dir string `yaml:"dir"`
	// Private runs commands in private mount namespaces.
	Private bool `yaml:"private"`
	// WaitDelay bounds output after a command exits.
	WaitDelay time.Duration `yaml:"wait_delay"`

	DNSSD DNSSDConfig `yaml:"dnssd"`
}

// DNSSDConfig controls DNS-SD advertisement.
type DNSSDConfig struct {
	Enabled   bool              `yaml:"enabled"`
	Instance  string            `yaml:"instance"`
	Domain    string            `yaml:"domain"`
	Service   string            `yaml:"service"`
	Interface string            `yaml:"interface"`
	Txt       map[string]string `yaml:"txt"`
}

// DefaultConfig returns the configuration used without a file.
func DefaultConfig() *Config {
	return &Config{
		Network:      "tcp",
		Port:         DefaultPort,
		MaxAuthTries: DefaultMaxAuthTries,
		WaitDelay:    time.Second,
		DNSSD: DNSSDConfig{
			Domain: "local",
		},
	}
}

// LoadConfig reads a YAML configuration file. Unset fields keep their
// DefaultConfig values.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses a YAML configuration.
func ParseConfig(data []byte) (*Config, error) {
	c := DefaultConfig()
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	switch c.Network {
	case "tcp", "tcp4", "tcp6", "unix", "vsock":
	default:
		return fmt.Errorf("network %q: must be tcp, unix or vsock", c.Network)
	}
	if c.Port == "" {
		return fmt.Errorf("port is required")
	}
	if c.MaxAuthTries < 1 {
		return fmt.Errorf("max_auth_tries %d: must be at least 1", c.MaxAuthTries)
	}
	if c.MaxBuffered < 0 {
		return fmt.Errorf("max_buffered %d: must not be negative", c.MaxBuffered)
	}
	for u, h := range c.Users {
		if _, err := parseHash(u, h); err != nil {
			return err
		}
	}
	return nil
}

// NewFromConfig returns a Server set up as c says.
func NewFromConfig(c *Config) (*Server, error) {
	s, err := New(c.HostKey, c.AuthorizedKeys)
	if err != nil {
		return nil, err
	}
	pw := Passwords{}
	if c.Passwords != "" {
		if pw, err = LoadPasswords(c.Passwords); err != nil {
			return nil, err
		}
	}
	for u, h := range c.Users {
		if pw[u], err = parseHash(u, h); err != nil {
			return nil, err
		}
	}
	s.Auth = pw
	s.MaxAuthTries = c.MaxAuthTries
	s.Compress = c.Compress
	s.MaxBuffered = c.MaxBuffered
	s.Shell = c.Shell
	s.NewExecutor = func() session.Executor {
		p := session.NewProcess()
		p.Dir, p.Private = c.Dir, c.Private
		if c.WaitDelay != 0 {
			p.WaitDelay = c.WaitDelay
		}
		return p
	}
	return s, nil
}
