package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"regexp"
	"sort"
	"strings"
	"time"
)

var wordRegex = regexp.MustCompile(`[a-z0-9][a-z0-9_-]{1,}`)

// ftsReserved tokens would change FTS query semantics if passed bare.
var ftsReserved = map[string]struct{}{
	"and": {}, "or": {}, "not": {}, "near": {},
}

// RecallQuery shapes a Recall call. An empty Categories slice searches all
// categories.
type RecallQuery struct {
	Text       string
	Categories []string
	Limit      int
}

// Recall retrieves relevant records for a query. Exactly one path serves a
// call: the semantic path when an embedder is configured, it embeds the
// query successfully and at least one record clears the similarity
// threshold; the keyword path otherwise. Results never mix paths. Expired
// records are filtered on both paths.
func (e *Engine) Recall(ctx context.Context, q RecallQuery) ([]Scored, error) {
	text := strings.TrimSpace(q.Text)
	if text == "" {
		return nil, nil
	}
	limit := q.Limit
	if limit <= 0 {
		limit = e.limit
	}

	if e.embedder != nil {
		hits, err := e.recallSemantic(ctx, text, q.Categories, limit)
		if err != nil {
			log.Printf("[memory] semantic recall failed, falling back to keywords: %v", err)
		} else if len(hits) > 0 {
			return hits, nil
		}
	}
	return e.recallKeyword(ctx, text, q.Categories, limit)
}

// recallSemantic scans the embedding index and ranks by cosine similarity.
// Embeddings whose record is gone are skipped silently.
func (e *Engine) recallSemantic(ctx context.Context, text string, categories []string, limit int) ([]Scored, error) {
	queryVec, err := e.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	sqlQuery := `
		SELECT r.id, r.category, r.content, r.metadata, r.source, r.created_at, r.decay_at, em.vector
		FROM embeddings em
		JOIN records r ON r.id = em.record_id
		WHERE (r.decay_at IS NULL OR r.decay_at > ?)
	`
	args := []any{time.Now().UTC().Format(timeLayout)}
	if len(categories) > 0 {
		sqlQuery += ` AND r.category IN (` + placeholders(len(categories)) + `)`
		for _, c := range categories {
			args = append(args, c)
		}
	}

	rows, err := e.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("query embeddings: %w", err)
	}
	defer rows.Close()

	var hits []Scored
	for rows.Next() {
		var rec Record
		var metaJSON, createdAt string
		var decayAt sql.NullString
		var blob []byte
		if err := rows.Scan(&rec.ID, &rec.Category, &rec.Content, &metaJSON, &rec.Source, &createdAt, &decayAt, &blob); err != nil {
			return nil, fmt.Errorf("scan embedding row: %w", err)
		}
		fillRecordTimes(&rec, metaJSON, createdAt, decayAt)

		vector, err := DecodeVector(blob)
		if err != nil {
			log.Printf("[memory] corrupt embedding for %s, skipping: %v", rec.ID, err)
			continue
		}
		score, err := CosineSimilarity(queryVec, vector)
		if err != nil {
			continue
		}
		if score >= e.threshold {
			hits = append(hits, Scored{Record: rec, Similarity: score, Via: "semantic"})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate embeddings: %w", err)
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Similarity > hits[j].Similarity })
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// recallKeyword serves the fallback path: FTS match over record content, or
// a full category scan when the query yields no usable tokens. Both branches
// rank by recency, newest first.
func (e *Engine) recallKeyword(ctx context.Context, text string, categories []string, limit int) ([]Scored, error) {
	now := time.Now().UTC().Format(timeLayout)
	match := buildMatchQuery(extractKeywords(text))

	var (
		rows *sql.Rows
		err  error
	)
	if match != "" {
		sqlQuery := `
			SELECT r.id, r.category, r.content, r.metadata, r.source, r.created_at, r.decay_at
			FROM records r
			JOIN records_fts f ON r.rowid = f.rowid
			WHERE records_fts MATCH ?
			  AND (r.decay_at IS NULL OR r.decay_at > ?)
		`
		args := []any{match, now}
		if len(categories) > 0 {
			sqlQuery += ` AND r.category IN (` + placeholders(len(categories)) + `)`
			for _, c := range categories {
				args = append(args, c)
			}
		}
		sqlQuery += ` ORDER BY r.created_at DESC LIMIT ?`
		args = append(args, limit)
		rows, err = e.db.QueryContext(ctx, sqlQuery, args...)
	} else {
		sqlQuery := `
			SELECT id, category, content, metadata, source, created_at, decay_at
			FROM records
			WHERE (decay_at IS NULL OR decay_at > ?)
		`
		args := []any{now}
		if len(categories) > 0 {
			sqlQuery += ` AND category IN (` + placeholders(len(categories)) + `)`
			for _, c := range categories {
				args = append(args, c)
			}
		}
		sqlQuery += ` ORDER BY created_at DESC LIMIT ?`
		args = append(args, limit)
		rows, err = e.db.QueryContext(ctx, sqlQuery, args...)
	}
	if err != nil {
		return nil, fmt.Errorf("keyword recall: %w", err)
	}
	defer rows.Close()

	var hits []Scored
	for rows.Next() {
		var rec Record
		var metaJSON, createdAt string
		var decayAt sql.NullString
		if err := rows.Scan(&rec.ID, &rec.Category, &rec.Content, &metaJSON, &rec.Source, &createdAt, &decayAt); err != nil {
			return nil, fmt.Errorf("scan keyword row: %w", err)
		}
		fillRecordTimes(&rec, metaJSON, createdAt, decayAt)
		hits = append(hits, Scored{Record: rec, Via: "keyword"})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate keyword rows: %w", err)
	}
	return hits, nil
}

func fillRecordTimes(rec *Record, metaJSON, createdAt string, decayAt sql.NullString) {
	if metaJSON != "" && metaJSON != "{}" {
		_ = json.Unmarshal([]byte(metaJSON), &rec.Metadata)
	}
	if t, err := time.Parse(timeLayout, createdAt); err == nil {
		rec.CreatedAt = t
	}
	if decayAt.Valid && decayAt.String != "" {
		if t, err := time.Parse(timeLayout, decayAt.String); err == nil {
			rec.DecayAt = &t
		}
	}
}

// extractKeywords pulls lowercase word tokens from the query, deduplicated,
// capped at 8.
func extractKeywords(text string) []string {
	seen := make(map[string]struct{})
	var keywords []string
	for _, w := range wordRegex.FindAllString(strings.ToLower(text), -1) {
		if _, ok := ftsReserved[w]; ok {
			continue
		}
		if _, ok := seen[w]; ok {
			continue
		}
		seen[w] = struct{}{}
		keywords = append(keywords, w)
		if len(keywords) == 8 {
			break
		}
	}
	return keywords
}

// buildMatchQuery quotes tokens so user input cannot inject FTS operators.
func buildMatchQuery(tokens []string) string {
	if len(tokens) == 0 {
		return ""
	}
	quoted := make([]string, 0, len(tokens))
	for _, t := range tokens {
		quoted = append(quoted, `"`+t+`"`)
	}
	return strings.Join(quoted, " OR ")
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
