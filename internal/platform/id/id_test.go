package id

import (
	"strings"
	"testing"

	"github.com/google/uuid"
)

func decodeID(t *testing.T, id string) uuid.UUID {
	t.Helper()
	raw, err := encoding.DecodeString(strings.ToUpper(id))
	if err != nil {
		t.Fatalf("decode %q: %v", id, err)
	}
	u, err := uuid.FromBytes(raw)
	if err != nil {
		t.Fatalf("uuid from %q: %v", id, err)
	}
	return u
}

func TestNewIDIsRequestIDSafe(t *testing.T) {
	id, err := NewID()
	if err != nil {
		t.Fatalf("new id: %v", err)
	}
	if len(id) != 26 {
		t.Fatalf("len(%q) = %d, want 26", id, len(id))
	}
	if strings.Trim(id, "abcdefghijklmnopqrstuvwxyz234567") != "" {
		t.Fatalf("id %q has characters outside lowercase base32", id)
	}
}

func TestNewIDWrapsRandomUUID(t *testing.T) {
	id, err := NewID()
	if err != nil {
		t.Fatalf("new id: %v", err)
	}
	u := decodeID(t, id)
	if u.Version() != 4 || u.Variant() != uuid.RFC4122 {
		t.Fatalf("uuid %s: version %d variant %s", u, u.Version(), u.Variant())
	}
}

func TestNewIDDoesNotRepeat(t *testing.T) {
	seen := make(map[string]struct{}, 1000)
	for range 1000 {
		id, err := NewID()
		if err != nil {
			t.Fatalf("new id: %v", err)
		}
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = struct{}{}
	}
}
