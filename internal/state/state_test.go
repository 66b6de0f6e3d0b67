package state

import (
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"vless-manager/internal/model"
)

func TestLoadMissingState(t *testing.T) {
	s := New(t.TempDir())
	if _, err := s.Load(); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := New(t.TempDir())

	expires := time.Date(2027, 1, 2, 3, 4, 5, 0, time.UTC)
	st := &model.ManagerState{
		Version: model.StateVersion,
		Server: model.ServerConfig{
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
					ShortIDs:    []string{"01ab23cd"},
				},
			}},
		},
		Users: []model.User{{
			ID:        "uid-1",
			Name:      "alice",
			CreatedAt: time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC),
			ExpiresAt: &expires,
			Enabled:   true,
		}},
	}

	if err := s.Save(st); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Version != model.StateVersion {
		t.Fatalf("version = %d", loaded.Version)
	}
	if len(loaded.Users) != 1 || loaded.Users[0].Name != "alice" {
		t.Fatalf("users = %+v", loaded.Users)
	}
	if loaded.Users[0].ExpiresAt == nil || !loaded.Users[0].ExpiresAt.Equal(expires) {
		t.Fatalf("expiresAt = %v", loaded.Users[0].ExpiresAt)
	}
	if loaded.Server.Inbounds[0].Reality.PrivateKey != "priv" {
		t.Fatal("reality material lost in round trip")
	}
}

func TestDatesOnDiskAreISO8601(t *testing.T) {
	s := New(t.TempDir())
	st := &model.ManagerState{
		Version: model.StateVersion,
		Users: []model.User{{
			ID:        "uid-1",
			Name:      "alice",
			CreatedAt: time.Date(2026, 5, 1, 12, 30, 0, 0, time.UTC),
		}},
	}
	if err := s.Save(st); err != nil {
		t.Fatalf("Save: %v", err)
	}

	raw, err := os.ReadFile(s.StatePath())
	if err != nil {
		t.Fatalf("read state file: %v", err)
	}
	if !strings.Contains(string(raw), "2026-05-01T12:30:00Z") {
		t.Fatalf("createdAt not serialized as ISO-8601:\n%s", raw)
	}
}

func TestStateFilePermissions(t *testing.T) {
	s := New(t.TempDir())
	if err := s.Save(&model.ManagerState{Version: model.StateVersion}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	info, err := os.Stat(s.StatePath())
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("state file mode = %o, want 600", perm)
	}
}

func TestWriteConfig(t *testing.T) {
	s := New(t.TempDir())
	if err := s.WriteConfig(map[string]any{"log": map[string]any{"level": "info"}}); err != nil {
		t.Fatalf("WriteConfig: %v", err)
	}
	raw, err := os.ReadFile(s.ConfigPath())
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	if !strings.Contains(string(raw), `"level": "info"`) {
		t.Fatalf("unexpected config contents:\n%s", raw)
	}
}
