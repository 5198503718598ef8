// Package resolver implements the ConflictResolver contract and its
// built-in strategies: last-write-wins, local/remote priority, a
// structural merge built on dario.cat/mergo that combines two
// entities' field maps, and a user-prompt escalation hook.
package resolver

import (
	"context"
	"fmt"

	"dario.cat/mergo"

	"github.com/synqcore/synqcore/pkg/entity"
	"github.com/synqcore/synqcore/pkg/syncop"
)

// Resolver is the conflict-resolution contract. It must be total: a
// resolver that cannot decide returns Resolution{Strategy: Abort}
// rather than an error. Resolve only errors for programmer misuse.
type Resolver interface {
	Resolve(ctx context.Context, local, remote entity.Entity, cctx syncop.ConflictContext) (syncop.Resolution, error)
}

func abort(message string) syncop.Resolution {
	return syncop.Resolution{Strategy: syncop.Abort, Message: message}
}

// LastWriteWins picks the side with the later ModifiedAt, tie-breaking
// on the higher Version; aborts if both sides are absent.
type LastWriteWins struct{}

func (LastWriteWins) Resolve(_ context.Context, local, remote entity.Entity, _ syncop.ConflictContext) (syncop.Resolution, error) {
	if local == nil && remote == nil {
		return abort("last-write-wins: both sides absent"), nil
	}
	if local == nil {
		return syncop.Resolution{Strategy: syncop.UseRemote, Resolved: remote}, nil
	}
	if remote == nil {
		return syncop.Resolution{Strategy: syncop.UseLocal, Resolved: local}, nil
	}
	if local.ModifiedAt().After(remote.ModifiedAt()) {
		return syncop.Resolution{Strategy: syncop.UseLocal, Resolved: local}, nil
	}
	if remote.ModifiedAt().After(local.ModifiedAt()) {
		return syncop.Resolution{Strategy: syncop.UseRemote, Resolved: remote}, nil
	}
	// Equal timestamps: tie-break by higher version.
	if local.Version() >= remote.Version() {
		return syncop.Resolution{Strategy: syncop.UseLocal, Resolved: local}, nil
	}
	return syncop.Resolution{Strategy: syncop.UseRemote, Resolved: remote}, nil
}

// LocalPriority always keeps the local side, aborting if it's absent.
type LocalPriority struct{}

func (LocalPriority) Resolve(_ context.Context, local, _ entity.Entity, _ syncop.ConflictContext) (syncop.Resolution, error) {
	if local == nil {
		return abort("local-priority: local side absent"), nil
	}
	return syncop.Resolution{Strategy: syncop.UseLocal, Resolved: local}, nil
}

// RemotePriority always keeps the remote side, aborting if it's absent.
type RemotePriority struct{}

func (RemotePriority) Resolve(_ context.Context, _, remote entity.Entity, _ syncop.ConflictContext) (syncop.Resolution, error) {
	if remote == nil {
		return abort("remote-priority: remote side absent"), nil
	}
	return syncop.Resolution{Strategy: syncop.UseRemote, Resolved: remote}, nil
}

// CombineFunc merges two present sides into a single payload.
type CombineFunc func(local, remote entity.Entity) (entity.Entity, error)

// Merge delegates to a user-supplied combine function. If none is
// supplied, DefaultCombine structurally merges the two sides' field
// maps with mergo (remote fields win on conflicting keys, mirroring
// mergo.WithOverride).
type Merge struct {
	Combine CombineFunc
}

func (m Merge) Resolve(_ context.Context, local, remote entity.Entity, _ syncop.ConflictContext) (syncop.Resolution, error) {
	if local == nil || remote == nil {
		return abort("merge: both sides must be present"), nil
	}
	combine := m.Combine
	if combine == nil {
		combine = DefaultCombine
	}
	merged, err := combine(local, remote)
	if err != nil {
		return abort(fmt.Sprintf("merge failed: %v", err)), nil
	}
	return syncop.Resolution{Strategy: syncop.Merge, Resolved: merged}, nil
}

// DefaultCombine merges remote's field map onto a copy of local's,
// with remote values overriding on key conflicts, then rehydrates the
// result through local's FromMap.
func DefaultCombine(local, remote entity.Entity) (entity.Entity, error) {
	dst := local.ToMap()
	src := remote.ToMap()
	if err := mergo.Merge(&dst, src, mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("merging field maps: %w", err)
	}
	return local.FromMap(dst)
}

// PromptFunc is the application callback UserPrompt delegates to.
type PromptFunc func(ctx context.Context, cctx syncop.ConflictContext, local, remote entity.Entity) (syncop.Resolution, error)

// UserPrompt delegates resolution to an application-supplied callback,
// mapping an unavailable side to Abort before invoking it.
type UserPrompt struct {
	Prompt PromptFunc
}

func (u UserPrompt) Resolve(ctx context.Context, local, remote entity.Entity, cctx syncop.ConflictContext) (syncop.Resolution, error) {
	if local == nil || remote == nil {
		return abort("user-prompt: one side absent"), nil
	}
	if u.Prompt == nil {
		return abort("user-prompt: no callback configured"), nil
	}
	return u.Prompt(ctx, cctx, local, remote)
}
