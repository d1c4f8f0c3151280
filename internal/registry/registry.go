// Package registry is the load-once cache of fetched script source.
package registry

import (
	"sort"
	"time"

	"github.com/zot/lua-include/internal/locator"
)

// SourceRecord is a script that loaded successfully.
// Records are never modified after insertion.
type SourceRecord struct {
	// Identifier is the normalized key the record is stored under
	Identifier locator.Identifier `json:"identifier"`
	// Locator is the locator the source was first fetched from
	Locator string `json:"locator"`
	// Source is the fetched text, kept for reload
	Source string `json:"-"`
	// LoadedAt is informational only
	LoadedAt time.Time `json:"loadedAt"`
}

// NewRecord creates a record stamped with the current time.
func NewRecord(id locator.Identifier, loc, source string) *SourceRecord {
	return &SourceRecord{
		Identifier: id,
		Locator:    loc,
		Source:     source,
		LoadedAt:   time.Now(),
	}
}

// Size returns the length of the cached source in bytes.
func (r *SourceRecord) Size() int {
	return len(r.Source)
}

// Registry maps identifiers to source records. It only grows.
// A Registry is not safe for concurrent use; the loader serializes access.
type Registry struct {
	records map[locator.Identifier]*SourceRecord
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		records: make(map[locator.Identifier]*SourceRecord),
	}
}

// Contains reports whether id has been loaded.
func (r *Registry) Contains(id locator.Identifier) bool {
	_, ok := r.records[id]
	return ok
}

// Get returns the record for id.
func (r *Registry) Get(id locator.Identifier) (*SourceRecord, bool) {
	rec, ok := r.records[id]
	return rec, ok
}

// Put inserts rec, replacing any record with the same identifier.
func (r *Registry) Put(rec *SourceRecord) {
	if rec == nil {
		return
	}
	r.records[rec.Identifier] = rec
}

// Len returns the number of records.
func (r *Registry) Len() int {
	return len(r.records)
}

// Records returns a snapshot sorted by identifier.
func (r *Registry) Records() []*SourceRecord {
	result := make([]*SourceRecord, 0, len(r.records))
	for _, rec := range r.records {
		result = append(result, rec)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Identifier < result[j].Identifier
	})
	return result
}
