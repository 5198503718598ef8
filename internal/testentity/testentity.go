// Package testentity is a minimal entity.Entity implementation shared
// by this module's test suites, standing in for a host application's
// concrete record type.
package testentity

import (
	"time"

	"github.com/synqcore/synqcore/pkg/entity"
)

// Record is a toy syncable entity: a handful of fixed fields plus an
// open-ended payload bag.
type Record struct {
	IDValue  string
	Owner    string
	Ver      int64
	Created  time.Time
	Modified time.Time
	Deleted  bool
	Payload  map[string]any
}

// New constructs a Record with the given identity and payload.
func New(id, owner string, version int64, modified time.Time, payload map[string]any) *Record {
	return &Record{
		IDValue:  id,
		Owner:    owner,
		Ver:      version,
		Created:  modified,
		Modified: modified,
		Payload:  payload,
	}
}

func (r *Record) ID() string            { return r.IDValue }
func (r *Record) OwnerUserID() string   { return r.Owner }
func (r *Record) Version() int64        { return r.Ver }
func (r *Record) CreatedAt() time.Time  { return r.Created }
func (r *Record) ModifiedAt() time.Time { return r.Modified }
func (r *Record) IsDeleted() bool       { return r.Deleted }

func (r *Record) ToMap() map[string]any {
	m := map[string]any{
		"id":          r.IDValue,
		"ownerUserId": r.Owner,
		"version":     r.Ver,
		"createdAt":   r.Created,
		"modifiedAt":  r.Modified,
		"deleted":     r.Deleted,
	}
	for k, v := range r.Payload {
		m[k] = v
	}
	return m
}

func (r *Record) ToLocalMap() map[string]any  { return r.ToMap() }
func (r *Record) ToRemoteMap() map[string]any { return r.ToMap() }

func (r *Record) FromMap(fields map[string]any) (entity.Entity, error) {
	out := &Record{Payload: make(map[string]any)}
	for k, v := range fields {
		switch k {
		case "id":
			out.IDValue, _ = v.(string)
		case "ownerUserId":
			out.Owner, _ = v.(string)
		case "version":
			out.Ver = toInt64(v)
		case "createdAt":
			out.Created = toTime(v)
		case "modifiedAt":
			out.Modified = toTime(v)
		case "deleted":
			out.Deleted, _ = v.(bool)
		default:
			out.Payload[k] = v
		}
	}
	return out, nil
}

func (r *Record) Diff(prior entity.Entity) map[string]any {
	if prior == nil {
		return r.ToMap()
	}
	before := prior.ToMap()
	after := r.ToMap()
	delta := make(map[string]any)
	for k, v := range after {
		if pv, ok := before[k]; !ok || !equalValue(pv, v) {
			delta[k] = v
		}
	}
	if len(delta) == 0 {
		return nil
	}
	return delta
}

func equalValue(a, b any) bool {
	at, aok := a.(time.Time)
	bt, bok := b.(time.Time)
	if aok && bok {
		return at.Equal(bt)
	}
	return a == b
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}

func toTime(v any) time.Time {
	if t, ok := v.(time.Time); ok {
		return t
	}
	return time.Time{}
}

var _ entity.Entity = (*Record)(nil)
