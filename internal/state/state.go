// Package state persists the manager's state document and the compiled
// sing-box configuration. Both writes are whole-document replacements via a
// temp file and rename, so a crash never leaves a partially written file.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"vless-manager/internal/model"
)

// ErrNotFound is returned by Load when no state document exists yet.
var ErrNotFound = errors.New("state not found")

const (
	stateFile  = "state.json"
	configFile = "config.json"
)

type Store struct {
	dir string
}

func New(dir string) *Store {
	return &Store{dir: dir}
}

func (s *Store) StatePath() string  { return filepath.Join(s.dir, stateFile) }
func (s *Store) ConfigPath() string { return filepath.Join(s.dir, configFile) }

func (s *Store) Load() (*model.ManagerState, error) {
	raw, err := os.ReadFile(s.StatePath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read state: %w", err)
	}

	var st model.ManagerState
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("parse state: %w", err)
	}
	return &st, nil
}

func (s *Store) Save(st *model.ManagerState) error {
	raw, err := marshalPretty(st)
	if err != nil {
		return fmt.Errorf("serialize state: %w", err)
	}
	if err := writeSecretFile(s.StatePath(), raw); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	return nil
}

// WriteConfig replaces the compiled configuration document consumed by the
// proxy binary.
func (s *Store) WriteConfig(cfg any) error {
	raw, err := marshalPretty(cfg)
	if err != nil {
		return fmt.Errorf("serialize config: %w", err)
	}
	if err := writeSecretFile(s.ConfigPath(), raw); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func marshalPretty(v any) ([]byte, error) {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 || raw[len(raw)-1] != '\n' {
		raw = append(raw, '\n')
	}
	return raw, nil
}

// Both documents carry key material, so they are written 0600 under a 0700
// directory.
func writeSecretFile(path string, content []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, content, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
