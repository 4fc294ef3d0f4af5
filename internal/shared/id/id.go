// Package id provides ULID-based identifiers for isolates and the handles
// that point into them.
//
// Identifiers are lexicographically sortable by creation time and carry a
// short type prefix (iso_*, ref_*, req_*) so log lines stay readable
// when several isolates interleave.
package id

import (
	"crypto/rand"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// ============================================================================
// Type-Safe ID Wrappers
// ============================================================================

// IsolateID identifies one isolate environment
type IsolateID string

// ReferenceID identifies a cross-isolate reference handle
type ReferenceID string

// RequestID identifies an API request
type RequestID string

// ============================================================================
// ID Prefixes
// ============================================================================

const (
	IsolatePrefix   = "iso"
	ReferencePrefix = "ref"
	RequestPrefix   = "req"

	// RootIsolate is the fixed identifier of the host's root isolate.
	RootIsolate IsolateID = "iso_root"
)

// ============================================================================
// ULID Generator
// ============================================================================

// Generator generates ULIDs with optional prefixes
type Generator struct {
	entropy   io.Reader
	entropyMu sync.Mutex
}

var (
	defaultGenerator *Generator
	once             sync.Once
)

// Default returns the singleton generator instance
func Default() *Generator {
	once.Do(func() {
		defaultGenerator = NewGenerator()
	})
	return defaultGenerator
}

// NewGenerator creates a new ULID generator backed by crypto/rand
func NewGenerator() *Generator {
	return &Generator{
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
}

// NewGeneratorWithEntropy creates a generator with a custom entropy source.
// Tests use it for deterministic output.
func NewGeneratorWithEntropy(entropy io.Reader) *Generator {
	return &Generator{
		entropy: entropy,
	}
}

// Generate creates a new ULID
func (g *Generator) Generate() ulid.ULID {
	g.entropyMu.Lock()
	defer g.entropyMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy)
}

// GenerateWithPrefix creates a prefixed ULID string
func (g *Generator) GenerateWithPrefix(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, g.Generate().String())
}

// ============================================================================
// Typed ID Generators
// ============================================================================

// NewIsolateID generates a new isolate ID
func NewIsolateID() IsolateID {
	return IsolateID(Default().GenerateWithPrefix(IsolatePrefix))
}

// NewReferenceID generates a new reference ID
func NewReferenceID() ReferenceID {
	return ReferenceID(Default().GenerateWithPrefix(ReferencePrefix))
}

// NewRequestID generates a new request ID
func NewRequestID() RequestID {
	return RequestID(Default().GenerateWithPrefix(RequestPrefix))
}

func (id IsolateID) String() string   { return string(id) }
func (id ReferenceID) String() string { return string(id) }
func (id RequestID) String() string   { return string(id) }

// ============================================================================
// Validation
// ============================================================================

// IsValid checks if an ID string is a valid ULID, with or without prefix
func IsValid(id string) bool {
	_, err := Parse(id)
	return err == nil
}

// Parse parses a ULID string, stripping a type prefix when present
func Parse(id string) (ulid.ULID, error) {
	if i := strings.LastIndexByte(id, '_'); i >= 0 {
		id = id[i+1:]
	}
	return ulid.Parse(id)
}

// ParseIsolateID validates an isolate identifier received from outside
func ParseIsolateID(s string) (IsolateID, error) {
	if IsolateID(s) == RootIsolate {
		return RootIsolate, nil
	}
	if !strings.HasPrefix(s, IsolatePrefix+"_") {
		return "", fmt.Errorf("invalid isolate id %q: missing %s_ prefix", s, IsolatePrefix)
	}
	if _, err := Parse(s); err != nil {
		return "", fmt.Errorf("invalid isolate id %q: %w", s, err)
	}
	return IsolateID(s), nil
}

// Timestamp extracts the creation time from an ID
func Timestamp(id string) (time.Time, error) {
	parsed, err := Parse(id)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(parsed.Time()), nil
}
