package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/agentmesh/orchestrator/pkg/model"
)

const documentColumns = `id, scope, scope_id, keywords, importance, title, content, created_at`

func scanDocument(row pgx.Row) (*model.Document, error) {
	var d model.Document
	if err := row.Scan(&d.ID, &d.Scope, &d.ScopeID, &d.Keywords, &d.Importance,
		&d.Title, &d.Content, &d.CreatedAt); err != nil {
		return nil, mapNotFound(err, "scanning document")
	}
	return &d, nil
}

// CreateDocument inserts a new knowledge document.
func (s *Store) CreateDocument(ctx context.Context, d *model.Document) (*model.Document, error) {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	row := s.Pool.QueryRow(ctx, `
		INSERT INTO documents (id, scope, scope_id, keywords, importance, title, content)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING `+documentColumns,
		d.ID, d.Scope, d.ScopeID, d.Keywords, d.Importance, d.Title, d.Content,
	)
	return scanDocument(row)
}

// ListDocumentsForScope returns every document visible at a given scope
// level, for the Knowledge Injector to rank by keyword overlap before
// composing a prompt.
func (s *Store) ListDocumentsForScope(ctx context.Context, scope model.DocumentScope, scopeID string) ([]*model.Document, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT `+documentColumns+` FROM documents
		WHERE scope = $1 AND scope_id = $2
		ORDER BY importance DESC, created_at DESC`,
		scope, scopeID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying documents: %w", err)
	}
	defer rows.Close()

	var docs []*model.Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}
