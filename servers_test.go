package main

import (
	"errors"
	"reflect"
	"testing"
)

func TestParseServers(t *testing.T) {
	reg, err := ParseServers("plant-a=http://10.0.0.5:8080/, http://qa.example.com", "")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	list := reg.List()
	if len(list) != 2 {
		t.Fatalf("want 2 servers, got %d", len(list))
	}
	if list[0].Name != "plant-a" || list[0].BaseURL != "http://10.0.0.5:8080" {
		t.Fatalf("first server: %+v", list[0])
	}
	if list[1].Name != "qa.example.com" {
		t.Fatalf("bare url should be named after host, got %q", list[1].Name)
	}
	if reg.Default().Name != "plant-a" {
		t.Fatalf("default should be first entry, got %q", reg.Default().Name)
	}
	if !reflect.DeepEqual(reg.Names(), []string{"plant-a", "qa.example.com"}) {
		t.Fatalf("names: %v", reg.Names())
	}
}

func TestParseServersErrors(t *testing.T) {
	cases := map[string]string{
		"empty":     "",
		"no scheme": "a=10.0.0.5:8080",
		"duplicate": "a=http://x, a=http://y",
	}
	for name, list := range cases {
		if _, err := ParseServers(list, ""); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
	if _, err := ParseServers("a=http://x", "b"); !errors.Is(err, ErrUnknownServer) {
		t.Fatalf("unknown default: got %v", err)
	}
}

func TestServerLookup(t *testing.T) {
	reg, err := ParseServers("a=http://x,b=http://y", "b")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	s, err := reg.Lookup("")
	if err != nil || s.Name != "b" {
		t.Fatalf("empty name should resolve default: %+v %v", s, err)
	}
	s, err = reg.Lookup(" a ")
	if err != nil || s.BaseURL != "http://x" {
		t.Fatalf("lookup a: %+v %v", s, err)
	}
	if _, err := reg.Lookup("c"); !errors.Is(err, ErrUnknownServer) {
		t.Fatalf("lookup c: got %v", err)
	}
}
