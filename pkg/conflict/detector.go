// Package conflict implements the pure conflict-detection rule as a
// pure decision function consulted by a coordinator, rather than
// something that mutates state itself.
package conflict

import (
	"time"

	"github.com/synqcore/synqcore/pkg/entity"
	"github.com/synqcore/synqcore/pkg/syncop"
)

// tolerance absorbs serialization rounding between local and remote
// clocks; a difference within this window is not, by itself, evidence
// of concurrent modification.
const tolerance = 10 * time.Millisecond

// Detect decides whether (local, remote) is a conflict for userID, and
// of what kind. It is pure and side-effect free: calling it twice on
// the same inputs yields the same result.
func Detect(userID string, local, remote entity.Entity) syncop.ConflictContext {
	now := time.Now()

	if remote != nil && remote.OwnerUserID() != userID {
		return conflictContext(userID, entityID(local, remote), syncop.ConflictUserMismatch, local, remote, now)
	}

	if local == nil || remote == nil {
		// Exactly one side present (or neither): no conflict. The
		// caller treats a present remote as source of truth, or a
		// present local as an outgoing create.
		return syncop.ConflictContext{UserID: userID, EntityID: entityID(local, remote), Kind: syncop.ConflictNone, DetectedAt: now}
	}

	if local.IsDeleted() != remote.IsDeleted() {
		return conflictContext(userID, local.ID(), syncop.ConflictDeletion, local, remote, now)
	}

	skew := local.ModifiedAt().Sub(remote.ModifiedAt())
	if skew < 0 {
		skew = -skew
	}
	if skew > tolerance && local.Version() != remote.Version() {
		return conflictContext(userID, local.ID(), syncop.ConflictBothModified, local, remote, now)
	}

	return syncop.ConflictContext{UserID: userID, EntityID: local.ID(), Kind: syncop.ConflictNone, DetectedAt: now}
}

func entityID(local, remote entity.Entity) string {
	if local != nil {
		return local.ID()
	}
	if remote != nil {
		return remote.ID()
	}
	return ""
}

func conflictContext(userID, entityID string, kind syncop.ConflictKind, local, remote entity.Entity, now time.Time) syncop.ConflictContext {
	cctx := syncop.ConflictContext{UserID: userID, EntityID: entityID, Kind: kind, DetectedAt: now}
	if local != nil {
		m := metadataOf(local)
		cctx.Local = &m
	}
	if remote != nil {
		m := metadataOf(remote)
		cctx.Remote = &m
	}
	return cctx
}

func metadataOf(e entity.Entity) syncop.Metadata {
	return syncop.Metadata{LastSyncAt: e.ModifiedAt(), ItemCount: 1}
}
