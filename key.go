// Package replayvault defines the core types shared by the replay-vault
// content cache engine: namespaced request keys and content checksums.
package replayvault

import (
	"fmt"
	"strings"
)

// Key is a synthetic request identifier of the form <origin>/<namespace>/<id>.
// It is the wire contract between the engine and the request-interception
// process that serves cached bytes back to the player: both sides must derive
// the same key for the same logical content.
type Key struct {
	Origin    string
	Namespace string
	ID        string
}

// NewKey constructs a Key from its three parts.
// Returns an error if any part is empty or the origin/namespace contain
// a path separator, which would make the key ambiguous to parse.
func NewKey(origin, namespace, id string) (Key, error) {
	if origin == "" || namespace == "" || id == "" {
		return Key{}, fmt.Errorf("key parts must be non-empty: origin=%q namespace=%q id=%q", origin, namespace, id)
	}
	if strings.Contains(origin, "/") {
		return Key{}, fmt.Errorf("origin %q must not contain '/'", origin)
	}
	if strings.Contains(namespace, "/") {
		return Key{}, fmt.Errorf("namespace %q must not contain '/'", namespace)
	}
	return Key{Origin: origin, Namespace: namespace, ID: id}, nil
}

// ParseKey parses a key string in the form "origin/namespace/id".
// The id part may itself contain slashes.
func ParseKey(s string) (Key, error) {
	parts := strings.SplitN(s, "/", 3)
	if len(parts) != 3 {
		return Key{}, fmt.Errorf("invalid key format: %q", s)
	}
	return NewKey(parts[0], parts[1], parts[2])
}

// String returns the canonical "origin/namespace/id" form.
func (k Key) String() string {
	return k.Origin + "/" + k.Namespace + "/" + k.ID
}

// IsZero returns true if the key is uninitialized.
func (k Key) IsZero() bool {
	return k == Key{}
}

// MarshalText implements encoding.TextMarshaler.
func (k Key) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Key) UnmarshalText(text []byte) error {
	parsed, err := ParseKey(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

const entryPrefix = "entries"

// StorageKey returns the backend storage key for this cache key.
// Format: entries/{origin}/{namespace}/{id}
func (k Key) StorageKey() string {
	return fmt.Sprintf("%s/%s", entryPrefix, k.String())
}

// ParseStorageKey extracts a Key from a backend storage key.
// Keys outside the entries namespace fail to parse; callers listing a
// backend skip them rather than failing the whole listing.
func ParseStorageKey(storageKey string) (Key, error) {
	rest, ok := strings.CutPrefix(storageKey, entryPrefix+"/")
	if !ok {
		return Key{}, fmt.Errorf("storage key %q outside %s namespace", storageKey, entryPrefix)
	}
	return ParseKey(rest)
}
