package compiler

import (
	"encoding/json"
	"testing"
	"time"

	"vless-manager/internal/model"
)

func testServer() model.ServerConfig {
	return model.ServerConfig{
		Host:     "203.0.113.5",
		LogLevel: "info",
		Inbounds: []model.InboundConfig{{
			Tag:      "vless-in",
			Protocol: model.ProtocolVLESS,
			Listen:   "0.0.0.0",
			Port:     443,
			TLSType:  model.TLSTypeReality,
			Reality: &model.RealityConfig{
				Dest:        "www.microsoft.com",
				ServerNames: []string{"www.microsoft.com"},
				PrivateKey:  "priv",
				PublicKey:   "pub",
				ShortIDs:    []string{"0123abcd", "4567ef01"},
			},
		}},
	}
}

func testUsers() []model.User {
	now := time.Now()
	return []model.User{
		{ID: "id-alice", Name: "alice", CreatedAt: now, Enabled: true},
		{ID: "id-bob", Name: "bob", CreatedAt: now, Enabled: false},
		{ID: "id-carol", Name: "carol", CreatedAt: now, Enabled: true},
	}
}

func TestCompileFiltersDisabledUsers(t *testing.T) {
	cfg := Compile(testServer(), testUsers())

	if len(cfg.Inbounds) != 1 {
		t.Fatalf("got %d inbounds, want 1", len(cfg.Inbounds))
	}
	users := cfg.Inbounds[0].Users
	if len(users) != 2 {
		t.Fatalf("got %d users, want 2", len(users))
	}
	if users[0].UUID != "id-alice" || users[1].UUID != "id-carol" {
		t.Fatalf("emitted users out of roster order: %v", users)
	}
	for _, u := range users {
		if u.Flow != "xtls-rprx-vision" {
			t.Fatalf("user %s flow = %q", u.UUID, u.Flow)
		}
	}
}

func TestCompileRealityBlock(t *testing.T) {
	cfg := Compile(testServer(), nil)

	tls := cfg.Inbounds[0].TLS
	if tls == nil || !tls.Enabled {
		t.Fatal("reality inbound has no enabled tls block")
	}
	if tls.ServerName != "www.microsoft.com" {
		t.Fatalf("server_name = %q", tls.ServerName)
	}
	r := tls.Reality
	if r == nil || !r.Enabled {
		t.Fatal("missing reality sub-block")
	}
	if r.Handshake.Server != "www.microsoft.com" || r.Handshake.ServerPort != 443 {
		t.Fatalf("handshake = %+v", r.Handshake)
	}
	if r.PrivateKey != "priv" {
		t.Fatalf("private_key = %q", r.PrivateKey)
	}
	if len(r.ShortID) != 2 {
		t.Fatalf("short_id list = %v, want both entries", r.ShortID)
	}
}

func TestCompileDNSTags(t *testing.T) {
	server := testServer()
	server.DNS = &model.DNSPolicy{Servers: []string{"1.1.1.1", "8.8.8.8"}}

	cfg := Compile(server, nil)
	if cfg.DNS == nil {
		t.Fatal("dns block missing")
	}
	want := []DNSServer{
		{Tag: "dns-0", Address: "1.1.1.1"},
		{Tag: "dns-1", Address: "8.8.8.8"},
	}
	for i, srv := range cfg.DNS.Servers {
		if srv != want[i] {
			t.Fatalf("dns server %d = %+v, want %+v", i, srv, want[i])
		}
	}
}

func TestCompileDeterministic(t *testing.T) {
	server := testServer()
	users := testUsers()

	a, err := json.Marshal(Compile(server, users))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	b, err := json.Marshal(Compile(server, users))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(a) != string(b) {
		t.Fatal("identical inputs compiled to different documents")
	}
}

func TestCompileFixedOutbounds(t *testing.T) {
	cfg := Compile(testServer(), nil)
	if len(cfg.Outbounds) != 2 {
		t.Fatalf("got %d outbounds, want 2", len(cfg.Outbounds))
	}
	if cfg.Outbounds[0].Type != "direct" || cfg.Outbounds[1].Type != "block" {
		t.Fatalf("outbounds = %+v", cfg.Outbounds)
	}
}

func TestCompileExpiredButEnabledUserIsKept(t *testing.T) {
	past := time.Now().Add(-time.Hour)
	users := []model.User{{ID: "id-old", Name: "old", Enabled: true, ExpiresAt: &past}}

	cfg := Compile(testServer(), users)
	if len(cfg.Inbounds[0].Users) != 1 {
		t.Fatal("expired but enabled user must still be compiled")
	}
}
