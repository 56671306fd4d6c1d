package domain

import (
	"fmt"
	"strings"
)

// MetadataUserIDKey is the metadata key callers may use to name the paying user.
const MetadataUserIDKey = "userId"

const (
	maxMetadataKeys     = 50
	maxMetadataKeyLen   = 40
	maxMetadataValueLen = 500
)

// Metadata is an opaque caller-supplied map persisted as JSON and forwarded to the processor.
type Metadata map[string]string

// Validate bounds the map to what processors accept and checks the keys business logic reads.
func (m Metadata) Validate() error {
	if len(m) > maxMetadataKeys {
		return fmt.Errorf("metadata supports at most %d keys", maxMetadataKeys)
	}
	for k, v := range m {
		if strings.TrimSpace(k) == "" || len(k) > maxMetadataKeyLen {
			return fmt.Errorf("metadata key %q must be 1-%d characters", k, maxMetadataKeyLen)
		}
		if len(v) > maxMetadataValueLen {
			return fmt.Errorf("metadata value for %q exceeds %d characters", k, maxMetadataValueLen)
		}
	}
	if raw, ok := m[MetadataUserIDKey]; ok && strings.TrimSpace(raw) == "" {
		return fmt.Errorf("metadata.%s must not be blank", MetadataUserIDKey)
	}
	return nil
}

// UserID returns the validated metadata user id, if any.
func (m Metadata) UserID() (string, bool) {
	raw, ok := m[MetadataUserIDKey]
	if !ok {
		return "", false
	}
	id := strings.TrimSpace(raw)
	return id, id != ""
}

// Clone returns a copy safe to hand to callers.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
