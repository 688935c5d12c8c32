package identity

import (
	"crypto/sha256"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDeviceIdIsHashPrefixOfPublicKey(t *testing.T) {
	pub := make([]byte, 32)
	for i := range pub {
		pub[i] = byte(i * 3)
	}
	id := DeriveDeviceId(pub)
	sum := sha256.Sum256(pub)
	for i := range id {
		if id[i] != sum[i] {
			t.Fatalf("byte %d: device id diverges from hash prefix", i)
		}
	}
}

func TestDeviceIdStringParseRoundTrip(t *testing.T) {
	id := DeviceId{0x00, 0x01, 0xab, 0xcd, 0xef, 0x10, 0x20, 0x30, 0x40, 0x50, 0x60, 0x70, 0x80, 0x90, 0xa0, 0xff}
	s := id.String()
	if strings.Count(s, ":") != 15 {
		t.Fatalf("expected 16 colon-separated bytes, got %q", s)
	}
	parsed, err := ParseDeviceId(s)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed != id {
		t.Fatalf("round trip mismatch: %s vs %s", parsed, id)
	}
}

func TestParseDeviceIdRejectsMalformedInput(t *testing.T) {
	for _, bad := range []string{"", "ab", "ab:cd", "zz:" + strings.Repeat("00:", 14) + "00"} {
		if _, err := ParseDeviceId(bad); err == nil {
			t.Fatalf("expected parse failure for %q", bad)
		}
	}
}

func TestLoadOrGenerateIsStableAcrossCalls(t *testing.T) {
	dir := t.TempDir()

	first, err := LoadOrGenerate(dir)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	info, err := os.Stat(filepath.Join(dir, "identity.key"))
	if err != nil {
		t.Fatalf("stat identity.key: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Fatalf("identity.key mode %o, want 0600", info.Mode().Perm())
	}

	second, err := LoadOrGenerate(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if first.DeviceId() != second.DeviceId() {
		t.Fatal("identity changed between load and generate")
	}
	if !first.SecretKey.Equal(second.SecretKey) {
		t.Fatal("secret key changed between load and generate")
	}
}

func TestLoadRejectsCorruptIdentityFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "identity.key"), []byte("short"), 0600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	if _, err := LoadOrGenerate(dir); err == nil {
		t.Fatal("expected error for truncated identity.key")
	}
}
