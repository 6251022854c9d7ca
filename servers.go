package main

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
)

var ErrUnknownServer = errors.New("unknown monitoring server")

// Server is one quality API deployment the operator can pick.
type Server struct {
	Name    string `json:"name"`
	BaseURL string `json:"base_url"`
}

// ServerRegistry is the immutable set of configured monitoring servers.
type ServerRegistry struct {
	servers  map[string]Server
	order    []string
	fallback string
}

// ParseServers reads "name=url,name=url". A bare URL is named after its host.
// defaultName picks the server used when a request names none; empty means
// the first entry.
func ParseServers(list, defaultName string) (*ServerRegistry, error) {
	reg := &ServerRegistry{servers: make(map[string]Server)}
	for _, entry := range splitCSV(list) {
		name, raw, found := strings.Cut(entry, "=")
		if !found {
			raw = entry
			name = ""
		}
		raw = strings.TrimSpace(raw)
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("invalid server url %q", raw)
		}
		name = strings.TrimSpace(name)
		if name == "" {
			name = u.Host
		}
		if _, dup := reg.servers[name]; dup {
			return nil, fmt.Errorf("duplicate server name %q", name)
		}
		reg.servers[name] = Server{Name: name, BaseURL: strings.TrimRight(raw, "/")}
		reg.order = append(reg.order, name)
	}
	if len(reg.order) == 0 {
		return nil, errors.New("no monitoring servers configured")
	}

	reg.fallback = reg.order[0]
	if defaultName = strings.TrimSpace(defaultName); defaultName != "" {
		if _, ok := reg.servers[defaultName]; !ok {
			return nil, fmt.Errorf("default server %q: %w", defaultName, ErrUnknownServer)
		}
		reg.fallback = defaultName
	}
	return reg, nil
}

// Lookup resolves a server by name; the empty name is the default server.
func (r *ServerRegistry) Lookup(name string) (Server, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = r.fallback
	}
	s, ok := r.servers[name]
	if !ok {
		return Server{}, fmt.Errorf("%w: %s", ErrUnknownServer, name)
	}
	return s, nil
}

// Default returns the server used when none is requested.
func (r *ServerRegistry) Default() Server { return r.servers[r.fallback] }

// List returns servers in configuration order.
func (r *ServerRegistry) List() []Server {
	out := make([]Server, 0, len(r.order))
	for _, n := range r.order {
		out = append(out, r.servers[n])
	}
	return out
}

// Names returns server names sorted alphabetically.
func (r *ServerRegistry) Names() []string {
	names := append([]string(nil), r.order...)
	sort.Strings(names)
	return names
}
