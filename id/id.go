// Package id defines TypeID-based identity types for the agent.
//
// Call chains and deployment units each get a prefix-qualified,
// globally unique, K-sortable (UUIDv7-based), URL-safe identifier in
// the format "prefix_suffix". The IDs appear in logs and trace spans
// so that every handler invocation can be correlated back to the
// chain and the deployment unit that produced it.
package id

import (
	"fmt"

	"go.jetify.com/typeid/v2"
)

// Prefix identifies the entity type encoded in a TypeID.
type Prefix string

// Prefix constants for agent entity types.
const (
	PrefixChain Prefix = "chain"
	PrefixUnit  Prefix = "unit"
)

// ID is the identifier type for agent entities.
type ID struct {
	inner typeid.TypeID
	valid bool
}

// Nil is the zero-value ID.
var Nil ID

// New generates a new globally unique ID with the given prefix.
// It panics if prefix is not a valid TypeID prefix (programming error).
func New(prefix Prefix) ID {
	tid, err := typeid.Generate(string(prefix))
	if err != nil {
		panic(fmt.Sprintf("id: invalid prefix %q: %v", prefix, err))
	}

	return ID{inner: tid, valid: true}
}

// Parse parses a TypeID string (e.g., "chain_01h2xcejqtf2nbrexx3vqjhp41")
// into an ID. Returns an error if the string is not valid.
func Parse(s string) (ID, error) {
	if s == "" {
		return Nil, fmt.Errorf("id: parse %q: empty string", s)
	}

	tid, err := typeid.Parse(s)
	if err != nil {
		return Nil, fmt.Errorf("id: parse %q: %w", s, err)
	}

	return ID{inner: tid, valid: true}, nil
}

// ParseWithPrefix parses a TypeID string and validates that its prefix
// matches the expected value.
func ParseWithPrefix(s string, expected Prefix) (ID, error) {
	parsed, err := Parse(s)
	if err != nil {
		return Nil, err
	}

	if parsed.Prefix() != expected {
		return Nil, fmt.Errorf("id: expected prefix %q, got %q", expected, parsed.Prefix())
	}

	return parsed, nil
}

// ChainID identifies one logical call chain (prefix: "chain").
type ChainID = ID

// UnitID identifies one deployment unit / isolation domain (prefix: "unit").
type UnitID = ID

// NewChainID generates a new unique call chain ID.
func NewChainID() ID { return New(PrefixChain) }

// NewUnitID generates a new unique deployment unit ID.
func NewUnitID() ID { return New(PrefixUnit) }

// ParseChainID parses a string and validates the "chain" prefix.
func ParseChainID(s string) (ID, error) { return ParseWithPrefix(s, PrefixChain) }

// ParseUnitID parses a string and validates the "unit" prefix.
func ParseUnitID(s string) (ID, error) { return ParseWithPrefix(s, PrefixUnit) }

// String returns the full TypeID string representation (prefix_suffix).
// Returns an empty string for the Nil ID.
func (i ID) String() string {
	if !i.valid {
		return ""
	}

	return i.inner.String()
}

// Prefix returns the prefix component of this ID.
func (i ID) Prefix() Prefix {
	if !i.valid {
		return ""
	}

	return Prefix(i.inner.Prefix())
}

// IsNil reports whether this ID is the zero value.
func (i ID) IsNil() bool {
	return !i.valid
}

// MarshalText implements encoding.TextMarshaler.
func (i ID) MarshalText() ([]byte, error) {
	if !i.valid {
		return []byte{}, nil
	}

	return []byte(i.inner.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (i *ID) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*i = Nil

		return nil
	}

	parsed, err := Parse(string(data))
	if err != nil {
		return err
	}

	*i = parsed

	return nil
}
