// Package compiler translates the persisted domain model into the native
// configuration document consumed by the sing-box binary. The transform is
// pure and deterministic: identical inputs yield identical documents, and
// struct-based marshaling keeps key order stable so reload diffs stay small.
package compiler

import (
	"fmt"

	"vless-manager/internal/model"
)

type Config struct {
	Log       LogConfig  `json:"log"`
	DNS       *DNSConfig `json:"dns,omitempty"`
	Inbounds  []Inbound  `json:"inbounds"`
	Outbounds []Outbound `json:"outbounds"`
}

type LogConfig struct {
	Level     string `json:"level"`
	Timestamp bool   `json:"timestamp"`
}

type DNSConfig struct {
	Servers []DNSServer `json:"servers"`
}

type DNSServer struct {
	Tag     string `json:"tag"`
	Address string `json:"address"`
}

type Inbound struct {
	Type       string        `json:"type"`
	Tag        string        `json:"tag"`
	Listen     string        `json:"listen"`
	ListenPort int           `json:"listen_port"`
	Users      []InboundUser `json:"users"`
	TLS        *TLSConfig    `json:"tls,omitempty"`
}

type InboundUser struct {
	UUID string `json:"uuid"`
	Name string `json:"name"`
	Flow string `json:"flow"`
}

type TLSConfig struct {
	Enabled    bool           `json:"enabled"`
	ServerName string         `json:"server_name,omitempty"`
	Reality    *RealityConfig `json:"reality,omitempty"`
}

type RealityConfig struct {
	Enabled    bool      `json:"enabled"`
	Handshake  Handshake `json:"handshake"`
	PrivateKey string    `json:"private_key"`
	ShortID    []string  `json:"short_id"`
}

type Handshake struct {
	Server     string `json:"server"`
	ServerPort int    `json:"server_port"`
}

type Outbound struct {
	Type string `json:"type"`
	Tag  string `json:"tag"`
}

// Reality destinations always handshake against 443.
const realityHandshakePort = 443

// Compile builds the native sing-box document for the given server identity
// and roster. Only enabled users are emitted; disabled users are absent from
// the live config entirely. A reality inbound without reality material is a
// caller bug, not a recoverable condition.
func Compile(server model.ServerConfig, users []model.User) Config {
	level := server.LogLevel
	if level == "" {
		level = "info"
	}

	cfg := Config{
		Log: LogConfig{Level: level, Timestamp: true},
		Outbounds: []Outbound{
			{Type: "direct", Tag: "direct"},
			{Type: "block", Tag: "block"},
		},
	}

	if server.DNS != nil && len(server.DNS.Servers) > 0 {
		dns := &DNSConfig{}
		for i, addr := range server.DNS.Servers {
			dns.Servers = append(dns.Servers, DNSServer{
				Tag:     fmt.Sprintf("dns-%d", i),
				Address: addr,
			})
		}
		cfg.DNS = dns
	}

	emitted := make([]InboundUser, 0, len(users))
	for _, u := range users {
		if !u.Enabled {
			continue
		}
		emitted = append(emitted, InboundUser{
			UUID: u.ID,
			Name: u.Name,
			Flow: model.FlowVision,
		})
	}

	cfg.Inbounds = make([]Inbound, 0, len(server.Inbounds))
	for _, in := range server.Inbounds {
		native := Inbound{
			Type:       string(in.Protocol),
			Tag:        in.Tag,
			Listen:     in.Listen,
			ListenPort: in.Port,
			Users:      emitted,
		}
		if in.TLSType == model.TLSTypeReality {
			native.TLS = &TLSConfig{
				Enabled:    true,
				ServerName: in.Reality.ServerNames[0],
				Reality: &RealityConfig{
					Enabled: true,
					Handshake: Handshake{
						Server:     in.Reality.Dest,
						ServerPort: realityHandshakePort,
					},
					PrivateKey: in.Reality.PrivateKey,
					ShortID:    in.Reality.ShortIDs,
				},
			}
		}
		cfg.Inbounds = append(cfg.Inbounds, native)
	}

	return cfg
}
