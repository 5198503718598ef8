// Package entity defines the capability set that synqcore requires of
// any record it synchronizes.
package entity

import "time"

// Entity is the capability set a syncable record must satisfy. The
// sync engine is generic over this interface rather than over a
// concrete struct, so host applications bring their own types.
type Entity interface {
	// ID returns the entity's stable identifier within its owner.
	ID() string
	// OwnerUserID returns the user the entity belongs to.
	OwnerUserID() string
	// Version returns the entity's monotonic version counter.
	Version() int64
	// CreatedAt returns the entity's creation timestamp.
	CreatedAt() time.Time
	// ModifiedAt returns the entity's last-modification timestamp.
	ModifiedAt() time.Time
	// IsDeleted reports whether the entity is a tombstone.
	IsDeleted() bool

	// ToMap serializes the entity to a flat field map, including both
	// local-only and remote-only fields.
	ToMap() map[string]any
	// FromMap returns a new entity populated from a field map
	// previously produced by ToMap, ToLocalMap, or ToRemoteMap.
	FromMap(fields map[string]any) (Entity, error)

	// ToLocalMap is ToMap with remote-only fields stripped.
	ToLocalMap() map[string]any
	// ToRemoteMap is ToMap with local-only fields stripped.
	ToRemoteMap() map[string]any

	// Diff compares the entity against a prior version of itself and
	// returns the map of fields that changed, or nil if the two are
	// equivalent. prior may be nil, in which case every field in
	// ToMap is considered changed.
	Diff(prior Entity) map[string]any
}

// Equivalent reports whether two entities represent the same logical
// state under the equivalence relation used for external-change
// dedup (§4.6.2): same id, owner, version, deletion flag, timestamps
// within one second of each other, and equal business payload.
func Equivalent(a, b Entity) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.ID() != b.ID() || a.OwnerUserID() != b.OwnerUserID() {
		return false
	}
	if a.Version() != b.Version() || a.IsDeleted() != b.IsDeleted() {
		return false
	}
	if absDuration(a.ModifiedAt().Sub(b.ModifiedAt())) > time.Second {
		return false
	}
	if absDuration(a.CreatedAt().Sub(b.CreatedAt())) > time.Second {
		return false
	}
	return mapsEqual(a.ToRemoteMap(), b.ToRemoteMap())
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

func mapsEqual(a, b map[string]any) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		bv, ok := b[k]
		if !ok {
			return false
		}
		if !valuesEqual(v, bv) {
			return false
		}
	}
	return true
}

func valuesEqual(a, b any) bool {
	av, aok := a.(map[string]any)
	bv, bok := b.(map[string]any)
	if aok && bok {
		return mapsEqual(av, bv)
	}
	at, atok := a.(time.Time)
	bt, btok := b.(time.Time)
	if atok && btok {
		return absDuration(at.Sub(bt)) <= time.Second
	}
	return a == b
}
