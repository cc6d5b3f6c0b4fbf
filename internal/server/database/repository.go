package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"docvault/internal/server/model"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const entryColumns = `id, user_id, document_name, storage_ref, file_size, file_type,
	expiration_date, is_offline, notified, iv, created_at`

// Repository stores document collections as rows keyed by user.
// Every mutation touches exactly one row, so concurrent appends and
// removals for the same user never overwrite each other.
type Repository struct {
	q Querier
}

// NewRepository creates a new Repository over q, normally DB.Pool.
func NewRepository(q Querier) *Repository {
	return &Repository{q: q}
}

// Append creates the user's collection if needed and adds entry to it.
func (r *Repository) Append(ctx context.Context, userID string, entry *model.DocumentEntry) (*model.DocumentEntry, error) {
	saved := *entry
	if saved.ID == "" {
		saved.ID = uuid.NewString()
	}
	if saved.CreatedAt.IsZero() {
		saved.CreatedAt = time.Now().UTC()
	}

	tx, err := r.q.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin append: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		INSERT INTO document_collections (user_id) VALUES ($1)
		ON CONFLICT (user_id) DO UPDATE SET updated_at = NOW()
	`, userID); err != nil {
		return nil, fmt.Errorf("failed to upsert collection: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO document_entries (`+entryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		saved.ID,
		userID,
		saved.DocumentName,
		saved.StorageRef,
		saved.FileSize,
		saved.FileType,
		saved.ExpirationDate,
		saved.IsOffline,
		saved.Notified,
		saved.IV,
		saved.CreatedAt,
	); err != nil {
		return nil, fmt.Errorf("failed to insert document entry: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit append: %w", err)
	}
	saved.FileURL = model.DownloadPrefix + saved.StorageRef
	return &saved, nil
}

// List returns the user's entries in upload order.
func (r *Repository) List(ctx context.Context, userID string) ([]model.DocumentEntry, error) {
	rows, err := r.q.Query(ctx, `
		SELECT `+entryColumns+` FROM document_entries
		WHERE user_id = $1 ORDER BY created_at, id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	defer rows.Close()

	entries := []model.DocumentEntry{}
	for rows.Next() {
		e, _, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// FindByRef resolves a reference fragment to exactly one of the user's entries.
func (r *Repository) FindByRef(ctx context.Context, userID, fragment string) (*model.DocumentEntry, error) {
	if fragment == "" {
		return nil, model.ErrDocumentNotFound
	}
	rows, err := r.q.Query(ctx, `
		SELECT `+entryColumns+` FROM document_entries
		WHERE user_id = $1 AND strpos(storage_ref, $2) > 0
		LIMIT 2
	`, userID, fragment)
	if err != nil {
		return nil, fmt.Errorf("failed to find document: %w", err)
	}
	defer rows.Close()

	var found []model.DocumentEntry
	for rows.Next() {
		e, _, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		found = append(found, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to find document: %w", err)
	}

	switch len(found) {
	case 0:
		return nil, model.ErrDocumentNotFound
	case 1:
		return &found[0], nil
	default:
		return nil, model.ErrAmbiguousReference
	}
}

// Remove deletes one entry and returns it so the caller can drop its blob.
func (r *Repository) Remove(ctx context.Context, userID, id string) (*model.DocumentEntry, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, model.ErrDocumentNotFound
	}
	row := r.q.QueryRow(ctx, `
		DELETE FROM document_entries WHERE user_id = $1 AND id = $2
		RETURNING `+entryColumns, userID, id)

	e, _, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrDocumentNotFound
		}
		return nil, err
	}
	return &e, nil
}

// ExpiringCollections returns, for every user owning at least one
// unnotified entry expiring in (now, cutoff], that user's full collection.
func (r *Repository) ExpiringCollections(ctx context.Context, now, cutoff time.Time) ([]model.Collection, error) {
	rows, err := r.q.Query(ctx, `
		SELECT `+entryColumns+` FROM document_entries
		WHERE user_id IN (
			SELECT DISTINCT user_id FROM document_entries
			WHERE expiration_date IS NOT NULL
			  AND expiration_date > $1 AND expiration_date <= $2
			  AND NOT notified
		)
		ORDER BY user_id, created_at, id
	`, now, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to query expiring documents: %w", err)
	}
	defer rows.Close()

	var collections []model.Collection
	for rows.Next() {
		e, userID, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		if n := len(collections); n == 0 || collections[n-1].UserID != userID {
			collections = append(collections, model.Collection{UserID: userID})
		}
		last := &collections[len(collections)-1]
		last.Entries = append(last.Entries, e)
	}
	return collections, rows.Err()
}

// MarkNotified flags an entry so later scans skip it.
func (r *Repository) MarkNotified(ctx context.Context, userID, id string) error {
	tag, err := r.q.Exec(ctx,
		"UPDATE document_entries SET notified = TRUE WHERE user_id = $1 AND id = $2", userID, id)
	if err != nil {
		return fmt.Errorf("failed to mark document notified: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.ErrDocumentNotFound
	}
	return nil
}

func scanEntry(row pgx.Row) (model.DocumentEntry, string, error) {
	var (
		e      model.DocumentEntry
		userID string
	)
	err := row.Scan(
		&e.ID,
		&userID,
		&e.DocumentName,
		&e.StorageRef,
		&e.FileSize,
		&e.FileType,
		&e.ExpirationDate,
		&e.IsOffline,
		&e.Notified,
		&e.IV,
		&e.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return e, "", err
		}
		return e, "", fmt.Errorf("failed to scan document entry: %w", err)
	}
	e.FileURL = model.DownloadPrefix + e.StorageRef
	return e, userID, nil
}
