// Package search indexes extracted page text for lookup.
package search

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Indexer is the search collaborator port consumed by the pipeline.
type Indexer interface {
	Index(ctx context.Context, documentID string, pageNumber int, text string) error
}

const schema = `
CREATE TABLE IF NOT EXISTS page_text (
    document_id TEXT NOT NULL,
    page_number INTEGER NOT NULL,
    content     TEXT NOT NULL,
    word_count  INTEGER NOT NULL DEFAULT 0,
    indexed_at  DATETIME DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (document_id, page_number)
);
`

// SQLIndexer stores page text in the shared sqlite database.
type SQLIndexer struct {
	db *sql.DB
}

// NewSQLIndexer initializes the page_text table on the given handle.
func NewSQLIndexer(db *sql.DB) (*SQLIndexer, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to init search schema: %w", err)
	}
	return &SQLIndexer{db: db}, nil
}

// Index upserts the text for one page. Re-indexing the same page after a
// task retry overwrites the previous entry.
func (i *SQLIndexer) Index(ctx context.Context, documentID string, pageNumber int, text string) error {
	_, err := i.db.ExecContext(ctx,
		`INSERT INTO page_text (document_id, page_number, content, word_count, indexed_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(document_id, page_number) DO UPDATE SET
		     content = excluded.content,
		     word_count = excluded.word_count,
		     indexed_at = excluded.indexed_at`,
		documentID, pageNumber, text, WordCount(text), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to index page %d of %s: %w", pageNumber, documentID, err)
	}
	return nil
}

// Hit is one search match.
type Hit struct {
	DocumentID string `json:"document_id"`
	PageNumber int    `json:"page_number"`
	WordCount  int    `json:"word_count"`
}

// Search returns pages whose text contains the query substring.
func (i *SQLIndexer) Search(ctx context.Context, query string, limit int) ([]Hit, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := i.db.QueryContext(ctx,
		`SELECT document_id, page_number, word_count FROM page_text
		 WHERE content LIKE '%' || ? || '%'
		 ORDER BY document_id, page_number LIMIT ?`,
		query, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var h Hit
		if err := rows.Scan(&h.DocumentID, &h.PageNumber, &h.WordCount); err != nil {
			return nil, err
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// WordCount counts whitespace-separated words.
func WordCount(text string) int {
	count := 0
	inWord := false
	for _, r := range text {
		switch r {
		case ' ', '\t', '\n', '\r':
			inWord = false
		default:
			if !inWord {
				count++
				inWord = true
			}
		}
	}
	return count
}
