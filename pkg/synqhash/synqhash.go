// Package synqhash computes the stable content hashes the engine uses
// for SyncMetadata.DataHash and for the external-change dedup key
//. encoding/json marshals map keys in sorted
// order, so a plain marshal of the business-payload map is already a
// stable, canonical byte sequence to hash.
package synqhash

import (
	"crypto/sha1" //nolint:gosec // content fingerprinting, not a security boundary
	"encoding/hex"
	"encoding/json"
)

// Map returns the hex-encoded SHA-1 of fields, a canonical
// representation since encoding/json sorts map keys.
func Map(fields map[string]any) string {
	// Marshal errors only occur for unsupported types (channels,
	// funcs); field maps are plain data, so this is unreachable in
	// practice and degrades to an empty-input hash rather than a panic.
	raw, err := json.Marshal(fields)
	if err != nil {
		raw = []byte("{}")
	}
	sum := sha1.Sum(raw) //nolint:gosec
	return hex.EncodeToString(sum[:])
}

// Set returns a single stable hash over a set of business-payload
// maps, used to summarize a whole user's entity set for SyncMetadata.
func Set(fieldSets []map[string]any) string {
	raw, err := json.Marshal(fieldSets)
	if err != nil {
		raw = []byte("[]")
	}
	sum := sha1.Sum(raw) //nolint:gosec
	return hex.EncodeToString(sum[:])
}
