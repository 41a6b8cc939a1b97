package memory

import (
	"fmt"
	"time"
)

// Record categories. Personal facts and preferences persist indefinitely;
// interaction insights decay after the configured interval.
const (
	CategoryPersonal   = "personal"
	CategoryPreference = "preference"
	CategoryInsight    = "interaction-insight"
	CategorySystem     = "system"
)

// Record is one durable memory entry. The structured row is the source of
// truth; the embedding attached to it is an acceleration structure and may
// be missing.
type Record struct {
	ID        string
	Category  string
	Content   string
	Metadata  map[string]any
	Source    string
	CreatedAt time.Time
	DecayAt   *time.Time
}

// Expired reports whether the record has passed its decay deadline.
func (r Record) Expired(now time.Time) bool {
	return r.DecayAt != nil && !now.Before(*r.DecayAt)
}

// Scored is a recall hit. Similarity is set on the semantic path and zero on
// the keyword path; Via names which path produced the hit.
type Scored struct {
	Record
	Similarity float64
	Via        string // "semantic" or "keyword"
}

// Stats is a point-in-time snapshot of store contents.
type Stats struct {
	Records    int
	ByCategory map[string]int
	Embeddings int
	Orphans    int
	Expired    int
}

// WriteError marks a failure to persist to the structured store. Embedding
// failures never produce one; only the durable row matters.
type WriteError struct {
	Op  string
	Err error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("memory write %s: %v", e.Op, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }
