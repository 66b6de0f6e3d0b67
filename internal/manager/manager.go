// Package manager owns the persisted state and enforces the roster
// invariants. It is the only writer of the state document; every mutation
// persists the full state, recompiles the proxy configuration, and then
// signals the supervised process. That order is load-bearing: a crash
// between steps leaves the state file ahead of the compiled artifact, and
// Recompile can always repair the artifact from state alone.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"vless-manager/internal/compiler"
	"vless-manager/internal/model"
	"vless-manager/internal/share"
	"vless-manager/internal/state"
)

var (
	ErrNotInitialized = errors.New("manager not initialized, run init first")
	ErrDuplicateUser  = errors.New("duplicate user name")
	ErrUserNotFound   = errors.New("user not found")
)

// KeyProvider produces Reality key material.
type KeyProvider interface {
	GenerateKeyPair() (privateKey, publicKey string, err error)
	GenerateShortIDs(n int) ([]string, error)
}

// Supervisor operates the external proxy process.
type Supervisor interface {
	Start(configPath string) error
	Stop() error
	Reload() error
	Running() bool
}

// Recorder appends audit events. Failures are logged, never fatal.
type Recorder interface {
	Record(ctx context.Context, op, detail string) error
}

// Broadcaster pushes manager events to connected admin clients.
type Broadcaster interface {
	Broadcast(event string, data any)
}

type Stats struct {
	Total    int `json:"total"`
	Active   int `json:"active"`
	Disabled int `json:"disabled"`
}

type AddUserOptions struct {
	Email        string
	ExpiresAt    *time.Time
	TrafficLimit int64
}

// ExportedConfig bundles a user with its connection descriptors.
type ExportedConfig struct {
	User          model.User           `json:"user"`
	ClientConfigs []model.ClientConfig `json:"clientConfigs"`
}

type Manager struct {
	mu     sync.Mutex
	store  *state.Store
	keys   KeyProvider
	sup    Supervisor
	audit  Recorder
	events Broadcaster

	st *model.ManagerState // nil until initialized
}

func New(store *state.Store, keys KeyProvider, sup Supervisor) *Manager {
	return &Manager{store: store, keys: keys, sup: sup}
}

func (m *Manager) SetRecorder(r Recorder)     { m.audit = r }
func (m *Manager) SetBroadcaster(b Broadcaster) { m.events = b }

// Load picks up previously persisted state, if any. A missing state file
// leaves the manager uninitialized and is not an error.
func (m *Manager) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, err := m.store.Load()
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return nil
		}
		return err
	}
	m.st = st
	return nil
}

// Initialize creates the server identity on first run, or re-loads existing
// state without touching key material. The compiled config is (re)written
// either way.
func (m *Manager) Initialize(ctx context.Context, host string, port int) (*model.ServerConfig, error) {
	if host == "" {
		return nil, errors.New("host is required")
	}
	if port <= 0 {
		port = 443
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.st == nil {
		if st, err := m.store.Load(); err == nil {
			m.st = st
		} else if !errors.Is(err, state.ErrNotFound) {
			return nil, err
		}
	}

	if m.st != nil {
		// Idempotent re-entry: keys and roster are preserved.
		if err := m.compileLocked(); err != nil {
			return nil, err
		}
		return &m.st.Server, nil
	}

	server, err := m.newServerConfigLocked(host, port)
	if err != nil {
		return nil, err
	}
	m.st = &model.ManagerState{
		Version:       model.StateVersion,
		Server:        *server,
		Users:         []model.User{},
		ClientConfigs: []model.ClientConfig{},
	}

	if err := m.persistAndCompileLocked(); err != nil {
		m.st = nil
		return nil, err
	}
	m.record(ctx, "init", fmt.Sprintf("host=%s port=%d", host, port))
	m.broadcast("init", m.st.Server.Host)
	return &m.st.Server, nil
}

func (m *Manager) newServerConfigLocked(host string, port int) (*model.ServerConfig, error) {
	priv, pub, err := m.keys.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("generate reality key pair: %w", err)
	}
	shortIDs, err := m.keys.GenerateShortIDs(1)
	if err != nil {
		return nil, fmt.Errorf("generate short ids: %w", err)
	}

	const dest = "www.microsoft.com"
	return &model.ServerConfig{
		Host:     host,
		LogLevel: "info",
		Inbounds: []model.InboundConfig{{
			Tag:      "vless-in",
			Protocol: model.ProtocolVLESS,
			Listen:   "0.0.0.0",
			Port:     port,
			TLSType:  model.TLSTypeReality,
			Reality: &model.RealityConfig{
				Dest:        dest,
				ServerNames: []string{dest},
				PrivateKey:  priv,
				PublicKey:   pub,
				ShortIDs:    shortIDs,
			},
		}},
	}, nil
}

// AddUser appends a user to the roster and generates its descriptors.
// Name uniqueness is checked against the whole roster, enabled or not.
func (m *Manager) AddUser(ctx context.Context, name string, opts AddUserOptions) (*model.User, []model.ClientConfig, error) {
	if name == "" {
		return nil, nil, errors.New("user name is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.st == nil {
		return nil, nil, ErrNotInitialized
	}

	for i := range m.st.Users {
		if m.st.Users[i].Name == name {
			return nil, nil, fmt.Errorf("%w: %s", ErrDuplicateUser, name)
		}
	}

	user := model.User{
		ID:           uuid.NewString(),
		Name:         name,
		Email:        opts.Email,
		CreatedAt:    time.Now().UTC(),
		ExpiresAt:    opts.ExpiresAt,
		Enabled:      true,
		TrafficLimit: opts.TrafficLimit,
	}

	configs, err := share.ClientConfigs(user, m.st.Server)
	if err != nil {
		return nil, nil, err
	}

	m.st.Users = append(m.st.Users, user)
	m.st.ClientConfigs = append(m.st.ClientConfigs, configs...)

	if err := m.persistAndCompileLocked(); err != nil {
		return nil, nil, err
	}
	m.record(ctx, "user:add", name)
	m.broadcast("user:add", user)
	return &user, configs, nil
}

// RemoveUser deletes a roster entry and every descriptor cached for it.
func (m *Manager) RemoveUser(ctx context.Context, nameOrID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.st == nil {
		return ErrNotInitialized
	}

	idx, user := m.st.FindUser(nameOrID)
	if user == nil {
		return fmt.Errorf("%w: %s", ErrUserNotFound, nameOrID)
	}
	removedID := user.ID
	removedName := user.Name

	m.st.Users = append(m.st.Users[:idx], m.st.Users[idx+1:]...)

	kept := m.st.ClientConfigs[:0]
	for _, cc := range m.st.ClientConfigs {
		if cc.UserID != removedID {
			kept = append(kept, cc)
		}
	}
	m.st.ClientConfigs = kept

	if err := m.persistAndCompileLocked(); err != nil {
		return err
	}
	m.record(ctx, "user:remove", removedName)
	m.broadcast("user:remove", removedID)
	return nil
}

// SetUserEnabled is the only path by which a user enters or leaves the live
// configuration without being removed from the roster.
func (m *Manager) SetUserEnabled(ctx context.Context, nameOrID string, enabled bool) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.st == nil {
		return nil, ErrNotInitialized
	}

	_, user := m.st.FindUser(nameOrID)
	if user == nil {
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, nameOrID)
	}
	user.Enabled = enabled

	if err := m.persistAndCompileLocked(); err != nil {
		return nil, err
	}
	m.record(ctx, "user:enabled", fmt.Sprintf("%s=%t", user.Name, enabled))
	m.broadcast("user:enabled", *user)
	u := *user
	return &u, nil
}

// Reset regenerates the server identity and clears the roster. Every client
// URI issued before the reset stops working immediately; this is the one
// place keys are allowed to rotate.
func (m *Manager) Reset(ctx context.Context) (*model.ServerConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.st == nil {
		return nil, ErrNotInitialized
	}

	host := m.st.Server.Host
	port := 443
	if len(m.st.Server.Inbounds) > 0 {
		port = m.st.Server.Inbounds[0].Port
	}

	server, err := m.newServerConfigLocked(host, port)
	if err != nil {
		return nil, err
	}
	m.st.Server = *server
	m.st.Users = []model.User{}
	m.st.ClientConfigs = []model.ClientConfig{}

	if err := m.persistAndCompileLocked(); err != nil {
		return nil, err
	}

	if m.sup != nil && m.sup.Running() {
		if err := m.sup.Stop(); err != nil {
			log.Printf("reset: stop proxy: %v", err)
		}
		if err := m.sup.Start(m.store.ConfigPath()); err != nil {
			log.Printf("reset: restart proxy: %v", err)
		}
	}

	m.record(ctx, "reset", host)
	m.broadcast("reset", nil)
	return &m.st.Server, nil
}

// Recompile re-derives the compiled config from current state without
// mutating anything. It repairs a compiled artifact that fell behind state,
// e.g. after a crash between persist and compile.
func (m *Manager) Recompile(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.st == nil {
		return ErrNotInitialized
	}
	return m.compileLocked()
}

func (m *Manager) Users() ([]model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.st == nil {
		return nil, ErrNotInitialized
	}
	users := make([]model.User, len(m.st.Users))
	copy(users, m.st.Users)
	return users, nil
}

func (m *Manager) User(nameOrID string) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.st == nil {
		return nil, ErrNotInitialized
	}
	_, user := m.st.FindUser(nameOrID)
	if user == nil {
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, nameOrID)
	}
	u := *user
	return &u, nil
}

// ClientConfigs returns the cached descriptors for one user.
func (m *Manager) ClientConfigs(nameOrID string) ([]model.ClientConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.st == nil {
		return nil, ErrNotInitialized
	}
	_, user := m.st.FindUser(nameOrID)
	if user == nil {
		return []model.ClientConfig{}, nil
	}
	var configs []model.ClientConfig
	for _, cc := range m.st.ClientConfigs {
		if cc.UserID == user.ID {
			configs = append(configs, cc)
		}
	}
	return configs, nil
}

func (m *Manager) Stats() (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.st == nil {
		return Stats{}, ErrNotInitialized
	}
	var s Stats
	for i := range m.st.Users {
		s.Total++
		if m.st.Users[i].Enabled {
			s.Active++
		} else {
			s.Disabled++
		}
	}
	return s, nil
}

// PublicKey returns the Reality public key of the first reality inbound.
func (m *Manager) PublicKey() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.st == nil {
		return "", ErrNotInitialized
	}
	for _, in := range m.st.Server.Inbounds {
		if in.TLSType == model.TLSTypeReality && in.Reality != nil {
			return in.Reality.PublicKey, nil
		}
	}
	return "", errors.New("no reality inbound configured")
}

func (m *Manager) Server() (*model.ServerConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.st == nil {
		return nil, ErrNotInitialized
	}
	server := m.st.Server
	return &server, nil
}

// ExportUserConfig bundles a user with its descriptors for display or
// download.
func (m *Manager) ExportUserConfig(nameOrID string) (*ExportedConfig, error) {
	user, err := m.User(nameOrID)
	if err != nil {
		return nil, err
	}
	configs, err := m.ClientConfigs(nameOrID)
	if err != nil {
		return nil, err
	}
	return &ExportedConfig{User: *user, ClientConfigs: configs}, nil
}

// persistAndCompileLocked runs the mutation tail: state write first, then
// the compiled config, then a fire-and-forget reload. A failed state write
// aborts the remaining steps; a failed reload is reported but the persisted
// change stands.
func (m *Manager) persistAndCompileLocked() error {
	if err := m.store.Save(m.st); err != nil {
		return err
	}
	if err := m.compileLocked(); err != nil {
		return err
	}
	if m.sup != nil && m.sup.Running() {
		if err := m.sup.Reload(); err != nil {
			log.Printf("proxy reload failed (config is persisted, retry with start): %v", err)
		}
	}
	return nil
}

func (m *Manager) compileLocked() error {
	cfg := compiler.Compile(m.st.Server, m.st.Users)
	return m.store.WriteConfig(cfg)
}

func (m *Manager) record(ctx context.Context, op, detail string) {
	if m.audit == nil {
		return
	}
	if err := m.audit.Record(ctx, op, detail); err != nil {
		log.Printf("audit record %s: %v", op, err)
	}
}

func (m *Manager) broadcast(event string, data any) {
	if m.events != nil {
		m.events.Broadcast(event, data)
	}
}
