package resource

import (
	"context"
	"sort"
	"time"

	"github.com/ehr/screening/internal/platform/fhir"
)

// Predicate selects resources in a Query.
type Predicate func(Resource) bool

// Query describes a filtered, paged read of one resource type. Limit <= 0
// returns every match.
type Query struct {
	ResourceType string
	// PatientID narrows to one patient compartment. Backends may use it to
	// avoid a full scan; the result is the same as filtering by SubjectID.
	PatientID string
	Match     Predicate
	Offset    int
	Limit     int
}

// Store persists resources by (type, id). Implementations must be safe for
// concurrent use.
type Store interface {
	Init(ctx context.Context) error
	Shutdown(ctx context.Context) error
	Ping(ctx context.Context) error

	// Put inserts or replaces the resource with its meta as given.
	Put(ctx context.Context, r Resource) error
	// Get returns ErrNotFound for unknown ids. For tombstoned ids it returns
	// the last stored version together with ErrDeleted.
	Get(ctx context.Context, resourceType, id string) (Resource, error)
	// Query returns one page of live matches ordered by lastUpdated
	// descending then id ascending, plus the total match count.
	Query(ctx context.Context, q Query) ([]Resource, int, error)
	// Tombstone marks a resource deleted at the given version and time.
	Tombstone(ctx context.Context, resourceType, id, versionID string, at time.Time) error
}

func (q Query) matches(r Resource) bool {
	if q.PatientID != "" && compartmentID(r) != q.PatientID {
		return false
	}
	return q.Match == nil || q.Match(r)
}

func compartmentID(r Resource) string {
	if r.ResourceType() == TypePatient {
		return r.GetID()
	}
	return r.SubjectID()
}

// sortResources orders by lastUpdated descending, then id ascending.
func sortResources(rs []Resource) {
	sort.SliceStable(rs, func(i, j int) bool {
		ti, tj := LastUpdated(rs[i]), LastUpdated(rs[j])
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return rs[i].GetID() < rs[j].GetID()
	})
}

// page sorts all matches and cuts the requested window.
func page(matches []Resource, q Query) ([]Resource, int) {
	sortResources(matches)
	total := len(matches)
	start := q.Offset
	if start < 0 {
		start = 0
	}
	if start > total {
		start = total
	}
	end := total
	if q.Limit > 0 && start < total-q.Limit {
		end = start + q.Limit
	}
	return matches[start:end], total
}

func setTombstoneMeta(r Resource, versionID string, at time.Time) {
	meta := r.GetMeta()
	if meta == nil {
		meta = &fhir.Meta{}
	}
	at = at.UTC()
	meta.VersionID = versionID
	meta.LastUpdated = &at
	r.SetMeta(meta)
}
