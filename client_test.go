package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"sync/atomic"
	"testing"
	"time"

	"github.com/qualityboard/qa-dashboard/quality"
)

func newTestClient(t *testing.T, baseURL, identity string) *QAClient {
	t.Helper()
	reg, err := ParseServers("plant-a="+baseURL, "")
	if err != nil {
		t.Fatalf("servers: %v", err)
	}
	return NewQAClient(Config{
		Endpoints:      DefaultEndpoints,
		APIIdentity:    identity,
		APIPassword:    "secret",
		RequestTimeout: 5 * time.Second,
	}, reg)
}

func TestClientAuthTokenIsCached(t *testing.T) {
	var logins int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case DefaultEndpoints.Login:
			atomic.AddInt32(&logins, 1)
			var body map[string]string
			_ = json.NewDecoder(r.Body).Decode(&body)
			if body["identity"] != "svc" || body["password"] != "secret" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			_, _ = w.Write([]byte(`{"token":"tok-1","expires_in":3600}`))
		case DefaultEndpoints.CPK:
			if r.Header.Get("Authorization") != "Bearer tok-1" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			_, _ = w.Write([]byte(`{"data":[{"ParameterName":"Height","CPKValue":1.45}]}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, "svc")
	q := quality.Query{Server: "plant-a", Project: "P", From: time.Now().Add(-time.Hour), To: time.Now()}
	for i := 0; i < 3; i++ {
		resp, err := c.CalculateCPK(context.Background(), q)
		if err != nil {
			t.Fatalf("calculate %d: %v", i, err)
		}
		if len(quality.UnwrapList(resp)) != 1 {
			t.Fatalf("unexpected response %v", resp)
		}
	}
	if n := atomic.LoadInt32(&logins); n != 1 {
		t.Fatalf("expected one login, got %d", n)
	}
}

func TestClientUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("database offline"))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, "")
	_, err := c.FetchFPY(context.Background(), quality.Query{Server: "plant-a", Project: "P"})
	var up *UpstreamError
	if !errors.As(err, &up) {
		t.Fatalf("expected UpstreamError, got %v", err)
	}
	if up.Status != http.StatusInternalServerError || up.Body != "database offline" || up.Server != "plant-a" {
		t.Fatalf("upstream error: %+v", up)
	}
}

func TestClientUnknownServer(t *testing.T) {
	c := newTestClient(t, "http://127.0.0.1:1", "")
	_, err := c.FetchPareto(context.Background(), quality.Query{Server: "nowhere", Project: "P"})
	if !errors.Is(err, ErrUnknownServer) {
		t.Fatalf("expected ErrUnknownServer, got %v", err)
	}
}

func TestClientSendsPayloadAndParsesParameters(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != DefaultEndpoints.Parameters {
			http.NotFound(w, r)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`["Height", {"ParameterName":"Width"}, "Height", ""]`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, "")
	names, err := c.FetchParameters(context.Background(), quality.Query{Server: "plant-a", Project: "PCBA", Line: "L2"})
	if err != nil {
		t.Fatalf("parameters: %v", err)
	}
	if !reflect.DeepEqual(names, []string{"Height", "Width"}) {
		t.Fatalf("names: %v", names)
	}
	if got["ProjectName"] != "PCBA" || got["LineName"] != "L2" {
		t.Fatalf("payload: %v", got)
	}
}

func TestClientEmptyBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, "")
	resp, err := c.FetchScatter(context.Background(), quality.Query{Server: "plant-a", Project: "P", Parameter: "X"})
	if err != nil || resp != nil {
		t.Fatalf("empty body: %v %v", resp, err)
	}
}

func TestClientSlowLoginDoesNotBlockOtherServers(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-release
		_, _ = w.Write([]byte(`{"token":"tok-a"}`))
	}))
	defer slow.Close()
	defer close(release)
	fast := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"token":"tok-b"}`))
	}))
	defer fast.Close()

	reg, err := ParseServers("plant-a="+slow.URL+",plant-b="+fast.URL, "")
	if err != nil {
		t.Fatalf("servers: %v", err)
	}
	c := NewQAClient(Config{
		Endpoints:      DefaultEndpoints,
		APIIdentity:    "svc",
		APIPassword:    "secret",
		RequestTimeout: 5 * time.Second,
	}, reg)
	a, _ := reg.Lookup("plant-a")
	b, _ := reg.Lookup("plant-b")

	go func() { _, _ = c.ensureAuth(context.Background(), a) }()
	<-entered

	done := make(chan error, 1)
	go func() {
		tok, err := c.ensureAuth(context.Background(), b)
		if err == nil && tok != "tok-b" {
			err = errors.New("unexpected token " + tok)
		}
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("plant-b login: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("plant-b login blocked behind plant-a")
	}
}
