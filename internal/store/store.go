// Package store persists the last connected printer and print settings.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/chaz8081/mxprint/internal/ble/protocol"
	"github.com/chaz8081/mxprint/internal/printer"
)

// Store is the key/value state kept between runs.
type Store interface {
	// LastDevice returns the last printer connected to; ok is false if
	// there is none.
	LastDevice() (id, name string, ok bool, err error)
	SaveLastDevice(id, name string) error
	// Settings returns the saved settings, or the defaults.
	Settings() (printer.Settings, error)
	SaveSettings(s printer.Settings) error
}

// DefaultPath returns the default state file path.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".local", "state", "mxprint", "state.yaml")
}

type fileState struct {
	LastDevice *deviceRecord   `yaml:"last_device,omitempty"`
	Settings   *settingsRecord `yaml:"settings,omitempty"`
}

type deviceRecord struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name,omitempty"`
}

type settingsRecord struct {
	Quality string `yaml:"quality"`
	Energy  byte   `yaml:"energy"`
}

// FileStore keeps state in a YAML file, rewritten in full on every save.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// Compile-time check that FileStore implements Store.
var _ Store = (*FileStore)(nil)

// NewFileStore returns a store backed by path. The file and its directory
// are created on the first save.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (f *FileStore) read() (fileState, error) {
	var st fileState
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return st, nil
	}
	if err != nil {
		return st, fmt.Errorf("store: reading %s: %w", f.path, err)
	}
	if err := yaml.Unmarshal(data, &st); err != nil {
		return st, fmt.Errorf("store: parsing %s: %w", f.path, err)
	}
	return st, nil
}

func (f *FileStore) write(st fileState) error {
	data, err := yaml.Marshal(st)
	if err != nil {
		return fmt.Errorf("store: encoding state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0755); err != nil {
		return fmt.Errorf("store: creating state dir: %w", err)
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("store: writing state: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("store: replacing state: %w", err)
	}
	return nil
}

func (f *FileStore) LastDevice() (string, string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, err := f.read()
	if err != nil || st.LastDevice == nil || st.LastDevice.ID == "" {
		return "", "", false, err
	}
	return st.LastDevice.ID, st.LastDevice.Name, true, nil
}

func (f *FileStore) SaveLastDevice(id, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, err := f.read()
	if err != nil {
		return err
	}
	st.LastDevice = &deviceRecord{ID: id, Name: name}
	return f.write(st)
}

func (f *FileStore) Settings() (printer.Settings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, err := f.read()
	if err != nil {
		return printer.DefaultSettings(), err
	}
	if st.Settings == nil {
		return printer.DefaultSettings(), nil
	}
	q, err := protocol.ParseQuality(st.Settings.Quality)
	if err != nil {
		return printer.DefaultSettings(), fmt.Errorf("store: %w", err)
	}
	return printer.Settings{Quality: q, Energy: st.Settings.Energy}, nil
}

func (f *FileStore) SaveSettings(s printer.Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	st, err := f.read()
	if err != nil {
		return err
	}
	st.Settings = &settingsRecord{Quality: s.Quality.String(), Energy: s.Energy}
	return f.write(st)
}
