package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/vacanze/phasegate/internal/domain"
)

// DocumentRepo handles persistence for Document records.
type DocumentRepo struct{}

const documentColumns = `id, owner_type, owner_id, name, category, mandatory, state, files_json, created_at_unix, updated_at_unix`

// Create inserts a document.
func (r *DocumentRepo) Create(ctx context.Context, q Querier, d domain.Document) error {
	files := d.Files
	if files == nil {
		files = []string{}
	}
	filesJSON, err := json.Marshal(files)
	if err != nil {
		return fmt.Errorf("marshal document files: %w", err)
	}

	const query = `INSERT INTO documents (` + documentColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = q.ExecContext(ctx, query,
		d.ID,
		string(d.Owner.Type),
		d.Owner.ID,
		d.Name,
		d.Category,
		boolToInt(d.Mandatory),
		string(d.State),
		string(filesJSON),
		d.CreatedAtUnix,
		d.UpdatedAtUnix,
	)
	if err != nil {
		return fmt.Errorf("create document: %w", err)
	}
	return nil
}

// GetByID retrieves a document.
func (r *DocumentRepo) GetByID(ctx context.Context, q Querier, id string) (*domain.Document, error) {
	const query = `SELECT ` + documentColumns + ` FROM documents WHERE id = ?`
	d, err := scanDocument(q.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.NewEngineError(domain.ErrNotFound, fmt.Sprintf("document %q not found", id))
		}
		return nil, fmt.Errorf("get document: %w", err)
	}
	return d, nil
}

// ListByOwner returns the documents attached to owner, oldest first.
func (r *DocumentRepo) ListByOwner(ctx context.Context, q Querier, owner domain.OwnerRef) ([]domain.Document, error) {
	const query = `SELECT ` + documentColumns + ` FROM documents
WHERE owner_type = ? AND owner_id = ?
ORDER BY created_at_unix ASC, id ASC`

	rows, err := q.QueryContext(ctx, query, string(owner.Type), owner.ID)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var docs []domain.Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		docs = append(docs, *d)
	}
	return docs, rows.Err()
}

// UpdateState changes the state of a document.
func (r *DocumentRepo) UpdateState(ctx context.Context, q Querier, id string, state domain.DocumentState, now int64) error {
	const query = `UPDATE documents SET state = ?, updated_at_unix = ? WHERE id = ?`
	res, err := q.ExecContext(ctx, query, string(state), now, id)
	if err != nil {
		return fmt.Errorf("update document state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return domain.NewEngineError(domain.ErrNotFound, fmt.Sprintf("document %q not found", id))
	}
	return nil
}

func scanDocument(s scanner) (*domain.Document, error) {
	var d domain.Document
	var ownerType, state, filesJSON string
	var mandatory int
	if err := s.Scan(&d.ID, &ownerType, &d.Owner.ID, &d.Name, &d.Category, &mandatory,
		&state, &filesJSON, &d.CreatedAtUnix, &d.UpdatedAtUnix); err != nil {
		return nil, err
	}
	d.Owner.Type = domain.EntityType(ownerType)
	d.State = domain.DocumentState(state)
	d.Mandatory = mandatory != 0
	if err := json.Unmarshal([]byte(filesJSON), &d.Files); err != nil {
		return nil, fmt.Errorf("unmarshal document files: %w", err)
	}
	return &d, nil
}
