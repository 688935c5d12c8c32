// Package trust implements the persistent device trust store and the
// in-memory pending-approval queue. Persistence is versioned JSON with an
// atomic tmp-file-then-rename write discipline.
package trust

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/remoshell/remoshelld/internal/identity"
	"github.com/remoshell/remoshelld/internal/rerr"
)

// Level is a device's trust state.
type Level string

const (
	Unknown Level = "unknown"
	Trusted Level = "trusted"
	Revoked Level = "revoked"
)

// Device is one entry in the trust store.
type Device struct {
	DeviceId  identity.DeviceId `json:"-"`
	HumanName string            `json:"name"`
	PublicKey []byte            `json:"-"`
	Level     Level             `json:"trust_level"`
	FirstSeen time.Time         `json:"first_seen"`
	LastSeen  time.Time         `json:"last_seen"`
}

// deviceWire is Device's base64-public-key, hex-device-id wire shape.
type deviceWire struct {
	DeviceId  string    `json:"device_id"`
	Name      string    `json:"name"`
	PublicKey string    `json:"public_key"`
	Level     Level     `json:"trust_level"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

func (d Device) toWire() deviceWire {
	return deviceWire{
		DeviceId:  d.DeviceId.String(),
		Name:      d.HumanName,
		PublicKey: base64.StdEncoding.EncodeToString(d.PublicKey),
		Level:     d.Level,
		FirstSeen: d.FirstSeen,
		LastSeen:  d.LastSeen,
	}
}

func (w deviceWire) toDevice() (Device, error) {
	pub, err := base64.StdEncoding.DecodeString(w.PublicKey)
	if err != nil {
		return Device{}, fmt.Errorf("decode public_key for %s: %w", w.DeviceId, err)
	}
	return Device{
		DeviceId:  identity.DeriveDeviceId(pub),
		HumanName: w.Name,
		PublicKey: pub,
		Level:     w.Level,
		FirstSeen: w.FirstSeen,
		LastSeen:  w.LastSeen,
	}, nil
}

// NewDevice constructs a device entry at Trusted level. DeviceId is always
// derived from publicKey, never supplied by the caller.
func NewDevice(publicKey []byte, humanName string) Device {
	now := time.Now()
	return Device{
		DeviceId:  identity.DeriveDeviceId(publicKey),
		HumanName: humanName,
		PublicKey: publicKey,
		Level:     Trusted,
		FirstSeen: now,
		LastSeen:  now,
	}
}

// NewUnknownDevice constructs a device entry at Unknown level (first
// contact, not yet approved).
func NewUnknownDevice(publicKey []byte, humanName string) Device {
	d := NewDevice(publicKey, humanName)
	d.Level = Unknown
	return d
}

type storeFile struct {
	Version int          `json:"version"`
	Devices []deviceWire `json:"devices"`
}

// Store is the thread-safe, JSON-persisted trust table.
type Store struct {
	mu      sync.RWMutex
	path    string
	devices map[identity.DeviceId]Device
}

// Open loads the trust store from path. A missing file is non-fatal and
// yields an empty store.
func Open(path string) (*Store, error) {
	s := &Store{path: path, devices: make(map[identity.DeviceId]Device)}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, rerr.New(rerr.InternalError, "trust.open", err)
	}

	var sf storeFile
	if err := json.Unmarshal(data, &sf); err != nil {
		return nil, rerr.New(rerr.InternalError, "trust.open", fmt.Errorf("parse %s: %w", path, err))
	}
	for _, w := range sf.Devices {
		d, err := w.toDevice()
		if err != nil {
			return nil, rerr.New(rerr.InternalError, "trust.open", err)
		}
		s.devices[d.DeviceId] = d
	}
	return s, nil
}

// Save persists the store atomically: write to <path>.tmp, fsync, rename
// over the real path. The parent directory is created if absent.
func (s *Store) Save() error {
	s.mu.RLock()
	sf := storeFile{Version: 1, Devices: make([]deviceWire, 0, len(s.devices))}
	for _, d := range s.devices {
		sf.Devices = append(sf.Devices, d.toWire())
	}
	s.mu.RUnlock()

	data, err := json.MarshalIndent(sf, "", "  ")
	if err != nil {
		return rerr.New(rerr.InternalError, "trust.save", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return rerr.New(rerr.InternalError, "trust.save", err)
	}

	tmpPath := s.path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return rerr.New(rerr.InternalError, "trust.save", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return rerr.New(rerr.InternalError, "trust.save", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return rerr.New(rerr.InternalError, "trust.save", err)
	}
	if err := f.Close(); err != nil {
		return rerr.New(rerr.InternalError, "trust.save", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return rerr.New(rerr.InternalError, "trust.save", err)
	}
	return nil
}

// AddDevice inserts or replaces a device entry.
func (s *Store) AddDevice(d Device) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[d.DeviceId] = d
}

// RemoveDevice deletes a device entry by id.
func (s *Store) RemoveDevice(id identity.DeviceId) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.devices, id)
}

// SetTrustLevel updates a known device's level. Fails NotFound otherwise.
func (s *Store) SetTrustLevel(id identity.DeviceId, level Level) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[id]
	if !ok {
		return rerr.New(rerr.NotFound, "trust.set_trust_level", fmt.Errorf("device %s", id))
	}
	d.Level = level
	s.devices[id] = d
	return nil
}

// UpdateLastSeen touches a known device's last_seen to now.
func (s *Store) UpdateLastSeen(id identity.DeviceId) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[id]
	if !ok {
		return rerr.New(rerr.NotFound, "trust.update_last_seen", fmt.Errorf("device %s", id))
	}
	d.LastSeen = time.Now()
	s.devices[id] = d
	return nil
}

// GetDevice looks up a device by id.
func (s *Store) GetDevice(id identity.DeviceId) (Device, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.devices[id]
	return d, ok
}

// ListDevices returns a snapshot of every known device.
func (s *Store) ListDevices() []Device {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Device, 0, len(s.devices))
	for _, d := range s.devices {
		out = append(out, d)
	}
	return out
}

// IsTrusted reports whether an entry exists with level Trusted.
func (s *Store) IsTrusted(id identity.DeviceId) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.devices[id]
	return ok && d.Level == Trusted
}

// Len returns the number of known devices.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.devices)
}

// IsEmpty reports whether the store holds no devices.
func (s *Store) IsEmpty() bool { return s.Len() == 0 }
