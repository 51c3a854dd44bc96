// Package config loads and validates iodns's YAML configuration file: the
// local listen address, the fixed upstream resolver embedded in every
// handshake record, and the table of ioservers the forwarder selects
// between.
package config

import (
	"context"
	"fmt"
	"net"
	"os"

	"gopkg.in/yaml.v3"
	"inet.af/netaddr"

	"github.com/dnsrona/iodns/internal/registry"
)

// ServerEntry is one ioserver's config-file representation before its
// address has been resolved and its secret validated.
type ServerEntry struct {
	Address string `yaml:"address"`
	Port    string `yaml:"port"`
	Secret  string `yaml:"secret"`
}

// Config mirrors the on-disk YAML layout directly; nothing here has
// been resolved or validated yet.
type Config struct {
	Listen struct {
		Address string `yaml:"address"`
		Port    string `yaml:"port"`
	} `yaml:"listen"`

	Upstream struct {
		Address string `yaml:"address"`
		Port    string `yaml:"port"`
	} `yaml:"upstream"`

	Servers []ServerEntry `yaml:"servers"`

	// User and Group, if set, are dropped to after the listener binds.
	User  string `yaml:"user"`
	Group string `yaml:"group"`

	// Dev switches the logger between zap's development and production
	// presets.
	Dev bool `yaml:"dev"`
}

// Error reports a configuration that failed validation. iodns's startup
// path maps this to exit code 1 (spec §6).
type Error struct {
	Field string
	Err   error
}

func (e *Error) Error() string { return fmt.Sprintf("config: %s: %v", e.Field, e.Err) }

func (e *Error) Unwrap() error { return e.Err }

// Load reads and validates the YAML file at path. The server registry
// is built from the result separately, by BuildRegistry.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, &Error{Field: "file", Err: err}
	}

	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, &Error{Field: "yaml", Err: err}
	}

	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) validate() error {
	if c.Listen.Address == "" {
		return &Error{Field: "listen.address", Err: fmt.Errorf("must not be empty")}
	}
	if c.Listen.Port == "" {
		return &Error{Field: "listen.port", Err: fmt.Errorf("must not be empty")}
	}
	if c.Upstream.Address == "" {
		return &Error{Field: "upstream.address", Err: fmt.Errorf("must not be empty")}
	}
	if c.Upstream.Port == "" {
		return &Error{Field: "upstream.port", Err: fmt.Errorf("must not be empty")}
	}
	if len(c.Servers) == 0 {
		return &Error{Field: "servers", Err: fmt.Errorf("at least one server is required")}
	}
	if len(c.Servers) > registry.MaxServers {
		return &Error{Field: "servers", Err: fmt.Errorf("at most %d servers are supported, got %d", registry.MaxServers, len(c.Servers))}
	}
	for i, s := range c.Servers {
		if s.Address == "" {
			return &Error{Field: fmt.Sprintf("servers[%d].address", i), Err: fmt.Errorf("must not be empty")}
		}
		if s.Port == "" {
			return &Error{Field: fmt.Sprintf("servers[%d].port", i), Err: fmt.Errorf("must not be empty")}
		}
		if s.Secret == "" {
			return &Error{Field: fmt.Sprintf("servers[%d].secret", i), Err: fmt.Errorf("must not be empty")}
		}
	}
	return nil
}

// BuildRegistry resolves every configured server's address and returns
// the populated registry the forwarder selects from. Resolution
// failures surface as RESOLVE_FAIL (spec §6, exit code 2).
func (c *Config) BuildRegistry() (*registry.Registry, error) {
	servers := make([]*registry.Server, len(c.Servers))
	for i, s := range c.Servers {
		ipp, err := ResolveIPPort(s.Address, s.Port)
		if err != nil {
			return nil, fmt.Errorf("resolving server %d (%s:%s): %w", i, s.Address, s.Port, err)
		}
		servers[i] = registry.NewServer(i, ipp.String(), ipp, []byte(s.Secret))
	}
	return registry.New(servers)
}

// ResolveIPPort resolves host:port to a netaddr.IPPort, following the
// first A/AAAA record when host is not already a literal address.
func ResolveIPPort(host, port string) (netaddr.IPPort, error) {
	if ip, err := netaddr.ParseIP(host); err == nil {
		p, err := parsePort(port)
		if err != nil {
			return netaddr.IPPort{}, err
		}
		return netaddr.IPPortFrom(ip, p), nil
	}

	addrs, err := net.DefaultResolver.LookupHost(context.Background(), host)
	if err != nil {
		return netaddr.IPPort{}, err
	}
	if len(addrs) == 0 {
		return netaddr.IPPort{}, fmt.Errorf("no addresses found for %s", host)
	}
	ip, err := netaddr.ParseIP(addrs[0])
	if err != nil {
		return netaddr.IPPort{}, err
	}
	p, err := parsePort(port)
	if err != nil {
		return netaddr.IPPort{}, err
	}
	return netaddr.IPPortFrom(ip, p), nil
}
