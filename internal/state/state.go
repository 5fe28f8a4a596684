// Package state persists the tether client's configuration and
// connection status as JSON files under the user config directory.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	dirName        = "tether"
	configFileName = "config.json"
	statusFileName = "status.json"
)

// ErrNotConfigured is returned when config.json does not exist yet.
var ErrNotConfigured = errors.New("tether is not configured: run `tether init <url>` first")

// Config is the persisted tunnel configuration written by `tether init`.
type Config struct {
	Domain    string    `json:"domain"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Status reflects the live tunnel connection. It is written on connect
// and removed on disconnect, so its presence alone signals liveness.
type Status struct {
	Connected   bool      `json:"connected"`
	ConnectedAt time.Time `json:"connectedAt"`
	Port        int       `json:"port"`
	Domain      string    `json:"domain"`
}

type Store struct {
	dir string
}

// NewStore locates (and creates, if necessary) the tether config
// directory for the current user.
func NewStore() (*Store, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return nil, fmt.Errorf("locating config directory: %w", err)
	}

	return NewStoreAt(filepath.Join(base, dirName))
}

// NewStoreAt is NewStore rooted at an explicit directory.
func NewStoreAt(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating config directory: %w", err)
	}

	return &Store{dir: dir}, nil
}

// SaveConfig persists the configured domain. CreatedAt is preserved
// across repeated init calls; UpdatedAt always moves forward.
func (s *Store) SaveConfig(domain string) (*Config, error) {
	now := time.Now().UTC()

	conf := &Config{
		Domain:    domain,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if previous, err := s.LoadConfig(); err == nil {
		conf.CreatedAt = previous.CreatedAt
	}

	if err := s.writeJSON(configFileName, conf); err != nil {
		return nil, err
	}

	return conf, nil
}

func (s *Store) LoadConfig() (*Config, error) {
	var conf Config
	if err := s.readJSON(configFileName, &conf); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotConfigured
		}

		return nil, err
	}

	return &conf, nil
}

// WriteStatus records a live connection.
func (s *Store) WriteStatus(port int, domain string) error {
	return s.writeJSON(statusFileName, &Status{
		Connected:   true,
		ConnectedAt: time.Now().UTC(),
		Port:        port,
		Domain:      domain,
	})
}

// ClearStatus removes status.json. A missing file is not an error.
func (s *Store) ClearStatus() error {
	err := os.Remove(filepath.Join(s.dir, statusFileName))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}

	return err
}

// ReadStatus returns the recorded connection status, or a zero Status
// when no connection is live.
func (s *Store) ReadStatus() (*Status, error) {
	var status Status
	if err := s.readJSON(statusFileName, &status); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Status{}, nil
		}

		return nil, err
	}

	return &status, nil
}

func (s *Store) writeJSON(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	path := filepath.Join(s.dir, name)
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", name, err)
	}

	return nil
}

func (s *Store) readJSON(name string, v any) error {
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		return err
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decoding %s: %w", name, err)
	}

	return nil
}
