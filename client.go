package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/qualityboard/qa-dashboard/quality"
)

// UpstreamError is a non-2xx answer from a monitoring server.
type UpstreamError struct {
	Server string
	Path   string
	Status int
	Body   string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Server, e.Path, e.Status, e.Body)
}

// Endpoints are the paths of the quality API, relative to a server base URL.
type Endpoints struct {
	Login      string
	Parameters string
	CPK        string
	Scatter    string
	FPY        string
	Pareto     string
}

var DefaultEndpoints = Endpoints{
	Login:      "/api/auth/login",
	Parameters: "/api/cpk/parameters",
	CPK:        "/api/cpk/calculate",
	Scatter:    "/api/cpk/scatter",
	FPY:        "/api/fpy",
	Pareto:     "/api/pareto",
}

type authToken struct {
	token string
	exp   time.Time
}

// QAClient talks to the monitoring servers in the registry.
type QAClient struct {
	servers   *ServerRegistry
	endpoints Endpoints
	identity  string
	password  string

	mu     sync.Mutex
	tokens map[string]authToken
	// one login in flight per server
	authLocks map[string]*sync.Mutex
	http      *http.Client
}

func NewQAClient(cfg Config, servers *ServerRegistry) *QAClient {
	return &QAClient{
		servers:   servers,
		endpoints: cfg.Endpoints,
		identity:  cfg.APIIdentity,
		password:  cfg.APIPassword,
		tokens:    make(map[string]authToken),
		authLocks: make(map[string]*sync.Mutex),
		http: &http.Client{
			Timeout: cfg.RequestTimeout,
		},
	}
}

func (c *QAClient) Servers() *ServerRegistry { return c.servers }

// ensureAuth logs in to srv when credentials are configured and the cached
// token is missing or about to expire.
func (c *QAClient) ensureAuth(ctx context.Context, srv Server) (string, error) {
	if c.identity == "" {
		return "", nil
	}
	if t, ok := c.cachedToken(srv.Name); ok {
		return t, nil
	}
	lock := c.authLock(srv.Name)
	lock.Lock()
	defer lock.Unlock()
	if t, ok := c.cachedToken(srv.Name); ok {
		return t, nil
	}

	b, _ := json.Marshal(map[string]string{
		"identity": c.identity,
		"password": c.password,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, srv.BaseURL+c.endpoints.Login, bytes.NewReader(b))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		rb, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return "", fmt.Errorf("%s auth failed: %s: %s", srv.Name, resp.Status, strings.TrimSpace(string(rb)))
	}

	var out struct {
		Token     string `json:"token"`
		ExpiresIn int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	if out.Token == "" {
		return "", errors.New(srv.Name + " auth token missing")
	}

	ttl := 50 * time.Minute
	if out.ExpiresIn > 0 {
		ttl = time.Duration(out.ExpiresIn) * time.Second
	}
	c.mu.Lock()
	c.tokens[srv.Name] = authToken{token: out.Token, exp: time.Now().Add(ttl)}
	c.mu.Unlock()
	return out.Token, nil
}

func (c *QAClient) cachedToken(server string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tokens[server]
	if !ok || time.Until(t.exp) <= 60*time.Second {
		return "", false
	}
	return t.token, true
}

func (c *QAClient) authLock(server string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.authLocks[server]
	if !ok {
		l = &sync.Mutex{}
		c.authLocks[server] = l
	}
	return l
}

// Ping checks that srv accepts our credentials (or answers at all).
func (c *QAClient) Ping(ctx context.Context, srv Server) error {
	if c.identity != "" {
		_, err := c.ensureAuth(ctx, srv)
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.BaseURL+"/", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// post sends payload to path on the named server and decodes the JSON
// answer with numbers kept as json.Number.
func (c *QAClient) post(ctx context.Context, serverName, path string, payload interface{}) (any, error) {
	srv, err := c.servers.Lookup(serverName)
	if err != nil {
		return nil, err
	}
	token, err := c.ensureAuth(ctx, srv)
	if err != nil {
		return nil, err
	}

	b, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, srv.BaseURL+path, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", srv.Name, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		rb, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		if resp.StatusCode == http.StatusUnauthorized {
			c.mu.Lock()
			delete(c.tokens, srv.Name)
			c.mu.Unlock()
		}
		return nil, &UpstreamError{Server: srv.Name, Path: path, Status: resp.StatusCode, Body: strings.TrimSpace(string(rb))}
	}

	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, fmt.Errorf("%s %s: decode: %w", srv.Name, path, err)
	}
	upstreamLog.Debugf("%s %s took %v", srv.Name, path, time.Since(start).Round(time.Millisecond))
	return out, nil
}

// FetchParameters lists parameter names available for the project.
func (c *QAClient) FetchParameters(ctx context.Context, q quality.Query) ([]string, error) {
	payload := map[string]any{"ProjectName": q.Project}
	if q.Line != "" {
		payload["LineName"] = q.Line
	}
	resp, err := c.post(ctx, q.Server, c.endpoints.Parameters, payload)
	if err != nil {
		return nil, err
	}
	return quality.ParameterNames(resp), nil
}

func (c *QAClient) CalculateCPK(ctx context.Context, q quality.Query) (any, error) {
	return c.post(ctx, q.Server, c.endpoints.CPK, q.Payload(quality.DomainCPK))
}

func (c *QAClient) FetchScatter(ctx context.Context, q quality.Query) (any, error) {
	return c.post(ctx, q.Server, c.endpoints.Scatter, q.Payload(quality.DomainScatter))
}

func (c *QAClient) FetchFPY(ctx context.Context, q quality.Query) (any, error) {
	return c.post(ctx, q.Server, c.endpoints.FPY, q.Payload(quality.DomainFPY))
}

func (c *QAClient) FetchPareto(ctx context.Context, q quality.Query) (any, error) {
	return c.post(ctx, q.Server, c.endpoints.Pareto, q.Payload(quality.DomainPareto))
}
