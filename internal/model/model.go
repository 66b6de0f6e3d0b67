package model

import "time"

// Schema version written into the persisted state document.
const StateVersion = 1

// FlowVision is the only flow mode supported for VLESS+Reality inbounds.
const FlowVision = "xtls-rprx-vision"

type Protocol string

const (
	ProtocolVLESS       Protocol = "vless"
	ProtocolVMess       Protocol = "vmess"
	ProtocolTrojan      Protocol = "trojan"
	ProtocolShadowsocks Protocol = "shadowsocks"
	ProtocolHysteria2   Protocol = "hysteria2"
)

type TLSType string

const (
	TLSTypeTLS     TLSType = "tls"
	TLSTypeReality TLSType = "reality"
	TLSTypeNone    TLSType = "none"
)

// User is one roster entry. ID is immutable after creation and unique across
// the roster; Name is unique regardless of enabled state.
type User struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Email        string     `json:"email,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	ExpiresAt    *time.Time `json:"expiresAt,omitempty"`
	Enabled      bool       `json:"enabled"`
	TrafficLimit int64      `json:"trafficLimit"`
	TrafficUsed  int64      `json:"trafficUsed"`
}

// Expired reports whether the user has an expiry in the past. Expiry is
// advisory: an expired user stays in the compiled config until disabled.
func (u *User) Expired(now time.Time) bool {
	return u.ExpiresAt != nil && u.ExpiresAt.Before(now)
}

// RealityConfig holds the TLS-mimicry material for one inbound. PrivateKey
// never leaves the server; regenerating the pair invalidates every client
// URI issued so far.
type RealityConfig struct {
	Dest        string   `json:"dest"`
	ServerNames []string `json:"serverNames"`
	PrivateKey  string   `json:"privateKey"`
	PublicKey   string   `json:"publicKey"`
	ShortIDs    []string `json:"shortIds"`
}

type InboundConfig struct {
	Tag      string         `json:"tag"`
	Protocol Protocol       `json:"protocol"`
	Listen   string         `json:"listen"`
	Port     int            `json:"port"`
	TLSType  TLSType        `json:"tlsType"`
	Reality  *RealityConfig `json:"reality,omitempty"`
}

type DNSPolicy struct {
	Servers      []string `json:"servers,omitempty"`
	UseSystemDNS bool     `json:"useSystemDns"`
}

type ServerConfig struct {
	Host     string          `json:"host"`
	Inbounds []InboundConfig `json:"inbounds"`
	DNS      *DNSPolicy      `json:"dns,omitempty"`
	LogLevel string          `json:"logLevel"`
}

// ClientConfig is a derived connection descriptor. URI and Manual are two
// renderings of the same values and are regenerated, never hand-edited.
type ClientConfig struct {
	UserID   string            `json:"userId"`
	Protocol Protocol          `json:"protocol"`
	URI      string            `json:"uri"`
	Manual   map[string]string `json:"manual"`
}

// ManagerState is the persisted aggregate and the single source of truth.
// Users keep insertion order; ClientConfigs is a derived cache pruned on
// user removal.
type ManagerState struct {
	Version       int            `json:"version"`
	Server        ServerConfig   `json:"server"`
	Users         []User         `json:"users"`
	ClientConfigs []ClientConfig `json:"clientConfigs"`
}

// FindUser resolves a name-or-id reference. Each roster entry is checked
// name first, then id; the first match in roster order wins.
func (s *ManagerState) FindUser(nameOrID string) (int, *User) {
	for i := range s.Users {
		if s.Users[i].Name == nameOrID || s.Users[i].ID == nameOrID {
			return i, &s.Users[i]
		}
	}
	return -1, nil
}
