package manager

import (
	"context"
	"errors"
	"strings"
	"testing"

	"vless-manager/internal/keys"
	"vless-manager/internal/model"
	"vless-manager/internal/state"
)

type fakeSupervisor struct {
	running bool
	reloads int
	starts  int
	stops   int
}

func (f *fakeSupervisor) Start(configPath string) error { f.starts++; f.running = true; return nil }
func (f *fakeSupervisor) Stop() error                   { f.stops++; f.running = false; return nil }
func (f *fakeSupervisor) Reload() error                 { f.reloads++; return nil }
func (f *fakeSupervisor) Running() bool                 { return f.running }

func newTestManager(t *testing.T) (*Manager, *fakeSupervisor) {
	t.Helper()
	sup := &fakeSupervisor{}
	m := New(state.New(t.TempDir()), keys.Provider{}, sup)
	return m, sup
}

func TestOperationsBeforeInitialize(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	if _, _, err := m.AddUser(ctx, "alice", AddUserOptions{}); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("AddUser err = %v, want ErrNotInitialized", err)
	}
	if err := m.RemoveUser(ctx, "alice"); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("RemoveUser err = %v, want ErrNotInitialized", err)
	}
	if _, err := m.Users(); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("Users err = %v, want ErrNotInitialized", err)
	}
	if _, err := m.Reset(ctx); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("Reset err = %v, want ErrNotInitialized", err)
	}
}

func TestInitializeCreatesServer(t *testing.T) {
	m, _ := newTestManager(t)

	server, err := m.Initialize(context.Background(), "203.0.113.5", 443)
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if server.Host != "203.0.113.5" {
		t.Fatalf("host = %q", server.Host)
	}
	if len(server.Inbounds) != 1 {
		t.Fatalf("got %d inbounds, want 1", len(server.Inbounds))
	}
	in := server.Inbounds[0]
	if in.Port != 443 || in.TLSType != model.TLSTypeReality || in.Protocol != model.ProtocolVLESS {
		t.Fatalf("default inbound = %+v", in)
	}
	if in.Reality == nil || in.Reality.PrivateKey == "" || in.Reality.PublicKey == "" {
		t.Fatal("reality key material missing")
	}
	if len(in.Reality.ShortIDs) == 0 {
		t.Fatal("no short ids generated")
	}
}

func TestInitializeIdempotent(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	first, err := m.Initialize(ctx, "203.0.113.5", 443)
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if _, _, err := m.AddUser(ctx, "alice", AddUserOptions{}); err != nil {
		t.Fatalf("AddUser: %v", err)
	}

	again, err := m.Initialize(ctx, "198.51.100.7", 8443)
	if err != nil {
		t.Fatalf("second Initialize: %v", err)
	}
	if again.Inbounds[0].Reality.PrivateKey != first.Inbounds[0].Reality.PrivateKey {
		t.Fatal("re-initialize regenerated the private key")
	}
	users, err := m.Users()
	if err != nil {
		t.Fatalf("Users: %v", err)
	}
	if len(users) != 1 {
		t.Fatal("re-initialize cleared the roster")
	}
}

func TestInitializeLoadsFromDisk(t *testing.T) {
	dir := t.TempDir()
	sup := &fakeSupervisor{}

	m1 := New(state.New(dir), keys.Provider{}, sup)
	first, err := m1.Initialize(context.Background(), "203.0.113.5", 443)
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	m2 := New(state.New(dir), keys.Provider{}, sup)
	second, err := m2.Initialize(context.Background(), "203.0.113.5", 443)
	if err != nil {
		t.Fatalf("Initialize from disk: %v", err)
	}
	if second.Inbounds[0].Reality.PublicKey != first.Inbounds[0].Reality.PublicKey {
		t.Fatal("fresh process did not pick up persisted keys")
	}
}

func TestAddUserScenario(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	if _, err := m.Initialize(ctx, "203.0.113.5", 443); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	user, configs, err := m.AddUser(ctx, "alice", AddUserOptions{})
	if err != nil {
		t.Fatalf("AddUser: %v", err)
	}
	if user.Name != "alice" || !user.Enabled {
		t.Fatalf("user = %+v", user)
	}
	if len(configs) != 1 {
		t.Fatalf("got %d descriptors, want 1", len(configs))
	}

	prefix := "vless://" + user.ID + "@203.0.113.5:443?type=tcp&security=reality&"
	if !strings.HasPrefix(configs[0].URI, prefix) {
		t.Fatalf("uri = %q, want prefix %q", configs[0].URI, prefix)
	}
	if !strings.HasSuffix(configs[0].URI, "&flow=xtls-rprx-vision#alice") {
		t.Fatalf("uri = %q", configs[0].URI)
	}
}

func TestAddUserDuplicateName(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	if _, err := m.Initialize(ctx, "203.0.113.5", 443); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if _, _, err := m.AddUser(ctx, "alice", AddUserOptions{}); err != nil {
		t.Fatalf("AddUser: %v", err)
	}
	// Disabled users still hold their name.
	if _, err := m.SetUserEnabled(ctx, "alice", false); err != nil {
		t.Fatalf("SetUserEnabled: %v", err)
	}

	if _, _, err := m.AddUser(ctx, "alice", AddUserOptions{}); !errors.Is(err, ErrDuplicateUser) {
		t.Fatalf("err = %v, want ErrDuplicateUser", err)
	}
	users, _ := m.Users()
	if len(users) != 1 {
		t.Fatal("failed add mutated the roster")
	}
}

func TestUserIDsUnique(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	if _, err := m.Initialize(ctx, "203.0.113.5", 443); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	names := []string{"a", "b", "c", "d", "e"}
	seen := map[string]bool{}
	for _, n := range names {
		u, _, err := m.AddUser(ctx, n, AddUserOptions{})
		if err != nil {
			t.Fatalf("AddUser(%s): %v", n, err)
		}
		if seen[u.ID] {
			t.Fatalf("duplicate id %s", u.ID)
		}
		seen[u.ID] = true
	}
}

func TestLookupByNameAndByID(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	if _, err := m.Initialize(ctx, "203.0.113.5", 443); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	created, _, err := m.AddUser(ctx, "alice", AddUserOptions{})
	if err != nil {
		t.Fatalf("AddUser: %v", err)
	}

	byName, err := m.User("alice")
	if err != nil {
		t.Fatalf("lookup by name: %v", err)
	}
	byID, err := m.User(created.ID)
	if err != nil {
		t.Fatalf("lookup by id: %v", err)
	}
	if byName.ID != byID.ID {
		t.Fatal("name and id lookups resolved different users")
	}
	if _, err := m.User("nobody"); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("err = %v, want ErrUserNotFound", err)
	}
}

func TestRemoveUserCascades(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	if _, err := m.Initialize(ctx, "203.0.113.5", 443); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if _, _, err := m.AddUser(ctx, "alice", AddUserOptions{}); err != nil {
		t.Fatalf("AddUser: %v", err)
	}
	if _, _, err := m.AddUser(ctx, "bob", AddUserOptions{}); err != nil {
		t.Fatalf("AddUser: %v", err)
	}

	if err := m.RemoveUser(ctx, "alice"); err != nil {
		t.Fatalf("RemoveUser: %v", err)
	}

	users, _ := m.Users()
	if len(users) != 1 || users[0].Name != "bob" {
		t.Fatalf("users after remove = %+v", users)
	}
	configs, err := m.ClientConfigs("alice")
	if err != nil {
		t.Fatalf("ClientConfigs: %v", err)
	}
	if len(configs) != 0 {
		t.Fatalf("descriptors for removed user remain: %+v", configs)
	}
	bobConfigs, _ := m.ClientConfigs("bob")
	if len(bobConfigs) != 1 {
		t.Fatal("remove cascaded onto the wrong user")
	}

	if err := m.RemoveUser(ctx, "alice"); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("second remove err = %v, want ErrUserNotFound", err)
	}
}

func TestStats(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	if _, err := m.Initialize(ctx, "203.0.113.5", 443); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	for _, n := range []string{"a", "b", "c"} {
		if _, _, err := m.AddUser(ctx, n, AddUserOptions{}); err != nil {
			t.Fatalf("AddUser: %v", err)
		}
	}
	if _, err := m.SetUserEnabled(ctx, "b", false); err != nil {
		t.Fatalf("SetUserEnabled: %v", err)
	}

	stats, err := m.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Total != 3 || stats.Active != 2 || stats.Disabled != 1 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestResetRotatesKeysAndClearsRoster(t *testing.T) {
	m, sup := newTestManager(t)
	ctx := context.Background()
	if _, err := m.Initialize(ctx, "203.0.113.5", 443); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if _, _, err := m.AddUser(ctx, "alice", AddUserOptions{}); err != nil {
		t.Fatalf("AddUser: %v", err)
	}
	oldKey, err := m.PublicKey()
	if err != nil {
		t.Fatalf("PublicKey: %v", err)
	}
	sup.running = true

	server, err := m.Reset(ctx)
	if err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if server.Inbounds[0].Reality.PublicKey == oldKey {
		t.Fatal("reset kept the old public key")
	}
	users, _ := m.Users()
	if len(users) != 0 {
		t.Fatal("reset kept roster entries")
	}
	configs, _ := m.ClientConfigs("alice")
	if len(configs) != 0 {
		t.Fatal("reset kept cached descriptors")
	}
	if sup.stops == 0 || sup.starts == 0 {
		t.Fatal("reset did not restart the supervised process")
	}
}

func TestMutationsTriggerReloadWhenRunning(t *testing.T) {
	m, sup := newTestManager(t)
	ctx := context.Background()
	if _, err := m.Initialize(ctx, "203.0.113.5", 443); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	sup.running = true

	if _, _, err := m.AddUser(ctx, "alice", AddUserOptions{}); err != nil {
		t.Fatalf("AddUser: %v", err)
	}
	if sup.reloads != 1 {
		t.Fatalf("reloads = %d, want 1", sup.reloads)
	}
}

func TestExportUserConfig(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	if _, err := m.Initialize(ctx, "203.0.113.5", 443); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if _, _, err := m.AddUser(ctx, "alice", AddUserOptions{}); err != nil {
		t.Fatalf("AddUser: %v", err)
	}

	export, err := m.ExportUserConfig("alice")
	if err != nil {
		t.Fatalf("ExportUserConfig: %v", err)
	}
	if export.User.Name != "alice" || len(export.ClientConfigs) != 1 {
		t.Fatalf("export = %+v", export)
	}
}
