package evolve

import (
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// NewID generates a globally unique, time-sortable UUIDv7 (RFC 9562).
// Run ids use this form.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// newHexID returns a random lowercase 16-hex-char identifier. Operation ids,
// pipeline run ids and session tag suffixes use this form.
func newHexID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand never fails on supported platforms.
		panic(err)
	}
	return hex.EncodeToString(b[:])
}

// DefaultTagPrefix is the session tag prefix used when none is configured.
const DefaultTagPrefix = "evolve"

// NewSessionTag builds a session tag of the form <prefix>-<16 hex>.
// An empty prefix falls back to DefaultTagPrefix.
func NewSessionTag(prefix string) string {
	if prefix == "" {
		prefix = DefaultTagPrefix
	}
	return prefix + "-" + newHexID()
}

// NowUnix returns current time as Unix seconds.
func NowUnix() int64 {
	return time.Now().Unix()
}
