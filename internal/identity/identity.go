// Package identity owns the daemon's long-term Ed25519 signing keypair and
// its derived DeviceId: load-or-generate on disk, restrictive permissions,
// read-only for the rest of the process lifetime.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/remoshell/remoshelld/internal/rerr"
)

// DeviceId is the 16-byte prefix of SHA-256(public_key), rendered to users
// as colon-separated hex.
type DeviceId [16]byte

func (d DeviceId) String() string {
	parts := make([]string, len(d))
	for i, b := range d {
		parts[i] = hex.EncodeToString([]byte{b})
	}
	return strings.Join(parts, ":")
}

// ParseDeviceId parses the colon-separated hex rendering back into a
// DeviceId, for matching a peer-supplied identifier against the connection
// map without holding that peer's public key.
func ParseDeviceId(s string) (DeviceId, error) {
	var d DeviceId
	parts := strings.Split(s, ":")
	if len(parts) != len(d) {
		return d, fmt.Errorf("device id %q: expected %d colon-separated bytes, got %d", s, len(d), len(parts))
	}
	for i, p := range parts {
		b, err := hex.DecodeString(p)
		if err != nil || len(b) != 1 {
			return DeviceId{}, fmt.Errorf("device id %q: invalid byte %q", s, p)
		}
		d[i] = b[0]
	}
	return d, nil
}

// DeviceIdentity is the daemon's long-lived signing keypair.
type DeviceIdentity struct {
	SecretKey ed25519.PrivateKey // 64 bytes (seed || public) per stdlib convention
	PublicKey ed25519.PublicKey  // 32 bytes
}

// Seed returns the 32-byte Ed25519 seed backing SecretKey.
func (id *DeviceIdentity) Seed() []byte {
	return id.SecretKey.Seed()
}

// DeviceId derives the identity's DeviceId from its public key.
func (id *DeviceIdentity) DeviceId() DeviceId {
	return DeriveDeviceId(id.PublicKey)
}

// DeriveDeviceId computes the 16-byte DeviceId for an arbitrary 32-byte
// Ed25519 public key, so the trust store can validate device_id without
// holding the corresponding private key.
func DeriveDeviceId(publicKey []byte) DeviceId {
	sum := sha256.Sum256(publicKey)
	var d DeviceId
	copy(d[:], sum[:16])
	return d
}

// LoadOrGenerate loads identity.key from dataDir, generating and persisting
// a fresh keypair on first run. The file holds the raw 32-byte Ed25519 seed
// at mode 0600; parent directories are created as needed.
func LoadOrGenerate(dataDir string) (*DeviceIdentity, error) {
	path := filepath.Join(dataDir, "identity.key")

	data, err := os.ReadFile(path)
	if err == nil {
		if len(data) != ed25519.SeedSize {
			return nil, rerr.New(rerr.InternalError, "identity.load", fmt.Errorf("identity.key has %d bytes, want %d", len(data), ed25519.SeedSize))
		}
		secret := ed25519.NewKeyFromSeed(data)
		return &DeviceIdentity{SecretKey: secret, PublicKey: secret.Public().(ed25519.PublicKey)}, nil
	}
	if !os.IsNotExist(err) {
		return nil, rerr.New(rerr.InternalError, "identity.load", err)
	}

	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, rerr.New(rerr.InternalError, "identity.generate", err)
	}
	secret := ed25519.NewKeyFromSeed(seed)

	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, rerr.New(rerr.InternalError, "identity.generate", err)
	}
	if err := os.WriteFile(path, seed, 0600); err != nil {
		return nil, rerr.New(rerr.InternalError, "identity.generate", err)
	}

	return &DeviceIdentity{SecretKey: secret, PublicKey: secret.Public().(ed25519.PublicKey)}, nil
}
