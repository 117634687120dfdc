package identity

import (
	"strconv"
	"strings"

	"github.com/google/uuid"

	apperrors "github.com/clinprecision/clinops/internal/platform/errors"
)

type refKind uint8

const (
	refNone refKind = iota
	refLegacy
	refCanonical
)

// Ref is a study reference that is either a legacy key or a canonical id.
type Ref struct {
	kind      refKind
	legacy    int64
	canonical uuid.UUID
}

// LegacyRef refers to a study by legacy key.
func LegacyRef(key int64) Ref {
	return Ref{kind: refLegacy, legacy: key}
}

// CanonicalRef refers to a study by canonical id.
func CanonicalRef(id uuid.UUID) Ref {
	return Ref{kind: refCanonical, canonical: id}
}

// ParseRef reads a canonical UUID, or failing that a positive decimal legacy key.
func ParseRef(raw string) (Ref, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Ref{}, apperrors.New(apperrors.CodeValidation, "study reference is required")
	}
	if id, err := uuid.Parse(raw); err == nil {
		return CanonicalRef(id), nil
	}
	key, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || key <= 0 {
		return Ref{}, apperrors.WithMetadata(apperrors.CodeValidation,
			"study reference must be a UUID or a positive legacy key",
			map[string]string{"ref": raw})
	}
	return LegacyRef(key), nil
}

// LegacyKey returns the legacy key when the ref holds one.
func (r Ref) LegacyKey() (int64, bool) {
	return r.legacy, r.kind == refLegacy
}

// Canonical returns the canonical id when the ref holds one.
func (r Ref) Canonical() (uuid.UUID, bool) {
	return r.canonical, r.kind == refCanonical
}

// IsZero reports whether the ref is empty.
func (r Ref) IsZero() bool {
	return r.kind == refNone
}

func (r Ref) String() string {
	switch r.kind {
	case refLegacy:
		return "legacy:" + strconv.FormatInt(r.legacy, 10)
	case refCanonical:
		return r.canonical.String()
	default:
		return ""
	}
}
