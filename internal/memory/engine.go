package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const timeLayout = time.RFC3339

// Options tune a new Engine. Zero values fall back to sensible defaults;
// a nil Embedder disables the semantic path entirely.
type Options struct {
	Embedder            Embedder
	SimilarityThreshold float64
	RecallLimit         int
	DecayInterval       time.Duration
}

// Engine is the hybrid memory store: a SQLite structured store that is the
// durability authority, plus a best-effort embedding index used for semantic
// recall. Writes within a category are serialized; reads run concurrently.
type Engine struct {
	db        *sql.DB
	embedder  Embedder
	threshold float64
	limit     int
	decay     time.Duration

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

func NewEngine(dbPath string, opts Options) (*Engine, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	e := &Engine{
		db:        db,
		embedder:  opts.Embedder,
		threshold: opts.SimilarityThreshold,
		limit:     opts.RecallLimit,
		decay:     opts.DecayInterval,
		locks:     make(map[string]*sync.Mutex),
	}
	if e.threshold <= 0 || e.threshold > 1 {
		e.threshold = 0.55
	}
	if e.limit <= 0 {
		e.limit = 5
	}
	if e.decay <= 0 {
		e.decay = 30 * 24 * time.Hour
	}

	if err := e.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := e.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return e, nil
}

func (e *Engine) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := e.db.Exec(p); err != nil {
			return fmt.Errorf("sqlite pragma %q: %w", p, err)
		}
	}
	return nil
}

func (e *Engine) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS records (
			id TEXT PRIMARY KEY,
			category TEXT NOT NULL,
			content TEXT NOT NULL,
			metadata TEXT NOT NULL DEFAULT '{}',
			source TEXT NOT NULL DEFAULT 'user',
			created_at TEXT NOT NULL,
			decay_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_records_category ON records(category, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_records_decay ON records(decay_at)`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS records_fts USING fts5(
			content,
			content='records',
			content_rowid='rowid',
			tokenize='unicode61'
		)`,
		`CREATE TRIGGER IF NOT EXISTS records_ai AFTER INSERT ON records BEGIN
			INSERT INTO records_fts(rowid, content) VALUES (new.rowid, new.content);
		END`,
		`CREATE TRIGGER IF NOT EXISTS records_ad AFTER DELETE ON records BEGIN
			INSERT INTO records_fts(records_fts, rowid, content) VALUES('delete', old.rowid, old.content);
		END`,
		`CREATE TRIGGER IF NOT EXISTS records_au AFTER UPDATE ON records BEGIN
			INSERT INTO records_fts(records_fts, rowid, content) VALUES('delete', old.rowid, old.content);
			INSERT INTO records_fts(rowid, content) VALUES (new.rowid, new.content);
		END`,
		`CREATE TABLE IF NOT EXISTS embeddings (
			record_id TEXT PRIMARY KEY,
			model TEXT NOT NULL DEFAULT '',
			vector BLOB NOT NULL,
			created_at TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := e.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func (e *Engine) Close() error {
	if e.db == nil {
		return nil
	}
	return e.db.Close()
}

// categoryLock serializes writes within one category. Writes to different
// categories proceed in parallel.
func (e *Engine) categoryLock(category string) *sync.Mutex {
	e.locksMu.Lock()
	defer e.locksMu.Unlock()
	mu, ok := e.locks[category]
	if !ok {
		mu = &sync.Mutex{}
		e.locks[category] = mu
	}
	return mu
}

// WriteOptions refine a Remember call.
type WriteOptions struct {
	Source   string
	Metadata map[string]any
	// DecayAfter overrides the category default. Negative disables decay.
	DecayAfter time.Duration
}

// Remember persists a record. The structured row is authoritative: if it
// cannot be written a WriteError is returned and nothing is stored. The
// embedding is attached best-effort afterwards; its failure is logged and
// the write still succeeds.
func (e *Engine) Remember(ctx context.Context, category, content string, opts WriteOptions) (Record, error) {
	category = strings.TrimSpace(category)
	content = strings.TrimSpace(content)
	if category == "" {
		return Record{}, &WriteError{Op: "remember", Err: fmt.Errorf("empty category")}
	}
	if content == "" {
		return Record{}, &WriteError{Op: "remember", Err: fmt.Errorf("empty content")}
	}

	rec := Record{
		ID:        uuid.NewString(),
		Category:  category,
		Content:   content,
		Metadata:  opts.Metadata,
		Source:    opts.Source,
		CreatedAt: time.Now().UTC(),
	}
	if rec.Source == "" {
		rec.Source = "user"
	}

	decayAfter := opts.DecayAfter
	if decayAfter == 0 && category == CategoryInsight {
		decayAfter = e.decay
	}
	if decayAfter > 0 {
		t := rec.CreatedAt.Add(decayAfter)
		rec.DecayAt = &t
	}

	metaJSON, err := json.Marshal(rec.Metadata)
	if err != nil {
		return Record{}, &WriteError{Op: "remember", Err: fmt.Errorf("encode metadata: %w", err)}
	}
	if rec.Metadata == nil {
		metaJSON = []byte("{}")
	}

	mu := e.categoryLock(category)
	mu.Lock()
	_, err = e.db.ExecContext(ctx, `
		INSERT INTO records (id, category, content, metadata, source, created_at, decay_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.Category, rec.Content, string(metaJSON), rec.Source,
		rec.CreatedAt.Format(timeLayout), formatDecay(rec.DecayAt))
	mu.Unlock()
	if err != nil {
		return Record{}, &WriteError{Op: "remember", Err: err}
	}

	e.attachEmbedding(ctx, rec.ID, rec.Content)
	return rec, nil
}

// attachEmbedding indexes content for semantic recall. Failures degrade the
// record to keyword-only recall; they never fail the write.
func (e *Engine) attachEmbedding(ctx context.Context, id, content string) bool {
	if e.embedder == nil {
		return false
	}
	vector, err := e.embedder.Embed(ctx, content)
	if err != nil {
		log.Printf("[memory] embed record %s failed, keyword recall only: %v", id, err)
		return false
	}
	blob, err := EncodeVector(vector)
	if err != nil {
		log.Printf("[memory] encode vector for %s: %v", id, err)
		return false
	}
	_, err = e.db.ExecContext(ctx, `
		INSERT INTO embeddings (record_id, model, vector, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(record_id) DO UPDATE SET model=excluded.model, vector=excluded.vector, created_at=excluded.created_at
	`, id, e.embedder.Model(), blob, time.Now().UTC().Format(timeLayout))
	if err != nil {
		log.Printf("[memory] store embedding for %s: %v", id, err)
		return false
	}
	return true
}

// Get returns one record by id.
func (e *Engine) Get(ctx context.Context, id string) (Record, error) {
	row := e.db.QueryRowContext(ctx, `
		SELECT id, category, content, metadata, source, created_at, decay_at
		FROM records WHERE id = ?
	`, id)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return Record{}, fmt.Errorf("record %s: not found", id)
	}
	if err != nil {
		return Record{}, fmt.Errorf("get record: %w", err)
	}
	return rec, nil
}

// Update rewrites a record's content and metadata, then re-indexes it. The
// stale embedding is dropped first so a failed re-embed cannot leave the
// semantic index pointing at old content.
func (e *Engine) Update(ctx context.Context, id, content string, metadata map[string]any) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return &WriteError{Op: "update", Err: fmt.Errorf("empty content")}
	}
	rec, err := e.Get(ctx, id)
	if err != nil {
		return &WriteError{Op: "update", Err: err}
	}
	if metadata == nil {
		metadata = rec.Metadata
	}
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return &WriteError{Op: "update", Err: fmt.Errorf("encode metadata: %w", err)}
	}
	if metadata == nil {
		metaJSON = []byte("{}")
	}

	mu := e.categoryLock(rec.Category)
	mu.Lock()
	_, err = e.db.ExecContext(ctx, `
		UPDATE records SET content = ?, metadata = ? WHERE id = ?
	`, content, string(metaJSON), id)
	mu.Unlock()
	if err != nil {
		return &WriteError{Op: "update", Err: err}
	}

	if _, err := e.db.ExecContext(ctx, `DELETE FROM embeddings WHERE record_id = ?`, id); err != nil {
		log.Printf("[memory] drop stale embedding for %s: %v", id, err)
	}
	e.attachEmbedding(ctx, id, content)
	return nil
}

// Forget removes a record. The embedding row is cleaned up best-effort; a
// leftover one is invisible to recall and reaped by Reconcile.
func (e *Engine) Forget(ctx context.Context, id string) error {
	res, err := e.db.ExecContext(ctx, `DELETE FROM records WHERE id = ?`, id)
	if err != nil {
		return &WriteError{Op: "forget", Err: err}
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return &WriteError{Op: "forget", Err: fmt.Errorf("record %s: not found", id)}
	}
	if _, err := e.db.ExecContext(ctx, `DELETE FROM embeddings WHERE record_id = ?`, id); err != nil {
		log.Printf("[memory] delete embedding for %s: %v", id, err)
	}
	return nil
}

// CompactDecayed permanently removes records past their decay deadline,
// along with their embeddings. Recall already filters them; this reclaims
// the rows.
func (e *Engine) CompactDecayed(ctx context.Context) (int, error) {
	now := time.Now().UTC().Format(timeLayout)
	res, err := e.db.ExecContext(ctx, `
		DELETE FROM records WHERE decay_at IS NOT NULL AND decay_at <= ?
	`, now)
	if err != nil {
		return 0, fmt.Errorf("compact decayed: %w", err)
	}
	n, _ := res.RowsAffected()
	if _, err := e.db.ExecContext(ctx, `
		DELETE FROM embeddings WHERE record_id NOT IN (SELECT id FROM records)
	`); err != nil {
		return int(n), fmt.Errorf("compact embeddings: %w", err)
	}
	return int(n), nil
}

// Reconcile repairs drift between the two stores: embeddings whose record is
// gone are removed, and records missing an embedding are re-indexed when an
// embedder is available. Returns orphans removed and records backfilled.
func (e *Engine) Reconcile(ctx context.Context) (removed, backfilled int, err error) {
	res, err := e.db.ExecContext(ctx, `
		DELETE FROM embeddings WHERE record_id NOT IN (SELECT id FROM records)
	`)
	if err != nil {
		return 0, 0, fmt.Errorf("reconcile orphans: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		removed = int(n)
	}

	if e.embedder == nil {
		return removed, 0, nil
	}

	rows, err := e.db.QueryContext(ctx, `
		SELECT r.id, r.content FROM records r
		LEFT JOIN embeddings em ON em.record_id = r.id
		WHERE em.record_id IS NULL
	`)
	if err != nil {
		return removed, 0, fmt.Errorf("reconcile missing: %w", err)
	}
	defer rows.Close()

	type pending struct{ id, content string }
	var missing []pending
	for rows.Next() {
		var p pending
		if err := rows.Scan(&p.id, &p.content); err != nil {
			return removed, 0, fmt.Errorf("scan missing: %w", err)
		}
		missing = append(missing, p)
	}
	if err := rows.Err(); err != nil {
		return removed, 0, fmt.Errorf("iterate missing: %w", err)
	}

	for _, p := range missing {
		if ctx.Err() != nil {
			return removed, backfilled, ctx.Err()
		}
		if e.attachEmbedding(ctx, p.id, p.content) {
			backfilled++
		}
	}
	return removed, backfilled, nil
}

func (e *Engine) embeddingCount(ctx context.Context) int {
	var n int
	_ = e.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM embeddings`).Scan(&n)
	return n
}

// Stats reports store contents, including drift the next Reconcile or
// CompactDecayed run would repair.
func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	s := Stats{ByCategory: make(map[string]int)}

	rows, err := e.db.QueryContext(ctx, `SELECT category, COUNT(*) FROM records GROUP BY category`)
	if err != nil {
		return s, fmt.Errorf("stats categories: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var cat string
		var n int
		if err := rows.Scan(&cat, &n); err != nil {
			return s, fmt.Errorf("scan stats: %w", err)
		}
		s.ByCategory[cat] = n
		s.Records += n
	}
	if err := rows.Err(); err != nil {
		return s, fmt.Errorf("iterate stats: %w", err)
	}

	s.Embeddings = e.embeddingCount(ctx)
	if err := e.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM embeddings WHERE record_id NOT IN (SELECT id FROM records)
	`).Scan(&s.Orphans); err != nil {
		return s, fmt.Errorf("stats orphans: %w", err)
	}
	now := time.Now().UTC().Format(timeLayout)
	if err := e.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM records WHERE decay_at IS NOT NULL AND decay_at <= ?
	`, now).Scan(&s.Expired); err != nil {
		return s, fmt.Errorf("stats expired: %w", err)
	}
	return s, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var rec Record
	var metaJSON, createdAt string
	var decayAt sql.NullString
	if err := row.Scan(&rec.ID, &rec.Category, &rec.Content, &metaJSON, &rec.Source, &createdAt, &decayAt); err != nil {
		return Record{}, err
	}
	if metaJSON != "" && metaJSON != "{}" {
		if err := json.Unmarshal([]byte(metaJSON), &rec.Metadata); err != nil {
			return Record{}, fmt.Errorf("decode metadata: %w", err)
		}
	}
	if t, err := time.Parse(timeLayout, createdAt); err == nil {
		rec.CreatedAt = t
	}
	if decayAt.Valid && decayAt.String != "" {
		if t, err := time.Parse(timeLayout, decayAt.String); err == nil {
			rec.DecayAt = &t
		}
	}
	return rec, nil
}

func formatDecay(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(timeLayout)
}
