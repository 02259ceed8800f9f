package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"price-ingest/internal/models"
)

const fileColumns = `f.id, f.chain_id, c.code AS retailer, f.file_name, f.publication_date, f.format,
	f.checksum, f.status, f.members, f.rows_seen, f.rows_rejected, f.rows_inserted,
	f.rows_superseded, f.rows_duplicate, f.error_message, f.created_at, f.updated_at`

// RegisterFile records a new processing attempt in PENDING status. Every
// attempt gets its own row so the audit trail keeps failed attempts.
func (s *Store) RegisterFile(ctx context.Context, file *models.SourceFile) error {
	if file.ChainID == 0 {
		id, err := s.ChainID(ctx, file.Retailer)
		if err != nil {
			return err
		}
		file.ChainID = id
	}
	file.Status = models.FileStatusPending

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `
		INSERT INTO source_files (chain_id, file_name, publication_date, format, checksum, status, error_message)
		VALUES (?, ?, ?, ?, ?, ?, '')`
	args := []interface{}{file.ChainID, file.FileName, dateParam(file.PublicationDate),
		file.Format, file.Checksum, string(file.Status)}

	id, err := insertID(ctx, s.db, s.returning(), query, args...)
	if err != nil {
		return classify("register file", err)
	}
	file.ID = id
	file.CreatedAt = time.Now().UTC()
	file.UpdatedAt = file.CreatedAt
	return nil
}

// UpdateFileStatus moves a file to status. Terminal files are never touched;
// updating one returns ErrInvalidTransition.
func (s *Store) UpdateFileStatus(ctx context.Context, id int64, status models.FileStatus, message string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return updateFileStatus(ctx, s.db, id, status, message)
}

// GetFile retrieves a file by ID
func (s *Store) GetFile(ctx context.Context, id int64) (*models.SourceFile, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var file models.SourceFile
	err := s.db.GetContext(ctx, &file, s.db.Rebind(`
		SELECT `+fileColumns+`
		FROM source_files f JOIN chains c ON c.id = f.chain_id
		WHERE f.id = ?`), id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("file %d: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, classify("get file", err)
	}
	return &file, nil
}

// ListFiles returns the most recent processing attempts, optionally for one retailer
func (s *Store) ListFiles(ctx context.Context, retailer string, limit int) ([]models.SourceFile, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `SELECT ` + fileColumns + ` FROM source_files f JOIN chains c ON c.id = f.chain_id`
	args := []interface{}{}
	if retailer != "" {
		query += ` WHERE c.code = ?`
		args = append(args, retailer)
	}
	query += ` ORDER BY f.id DESC LIMIT ?`
	args = append(args, limit)

	files := []models.SourceFile{}
	if err := s.db.SelectContext(ctx, &files, s.db.Rebind(query), args...); err != nil {
		return nil, classify("list files", err)
	}
	return files, nil
}

// FinishFile records the final status and counters of a file inside the
// reconciliation transaction.
func (t *Tx) FinishFile(ctx context.Context, o *models.Outcome) error {
	res, err := t.tx.ExecContext(ctx, t.tx.Rebind(`
		UPDATE source_files
		SET status = ?, members = ?, rows_seen = ?, rows_rejected = ?, rows_inserted = ?,
			rows_superseded = ?, rows_duplicate = ?, error_message = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?`),
		string(o.Status), o.Members, o.RowsSeen, o.RowsRejected, o.Inserted,
		o.Superseded, o.Duplicates, o.Error, o.FileID, string(models.FileStatusValidated))
	if err != nil {
		return classify("finish file", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("file %d: %w", o.FileID, models.ErrInvalidTransition)
	}
	return nil
}

// insertID runs an INSERT and returns the new row id
func insertID(ctx context.Context, db sqlx.ExtContext, returning bool, query string, args ...interface{}) (int64, error) {
	if returning {
		var id int64
		err := sqlx.GetContext(ctx, db, &id, db.Rebind(query+" RETURNING id"), args...)
		return id, err
	}

	res, err := db.ExecContext(ctx, db.Rebind(query), args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func updateFileStatus(ctx context.Context, db sqlx.ExtContext, id int64, status models.FileStatus, message string) error {
	nonTerminal := []string{}
	for _, st := range models.NonTerminalStatuses() {
		nonTerminal = append(nonTerminal, string(st))
	}

	query, args, err := sqlx.In(`
		UPDATE source_files
		SET status = ?, error_message = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status IN (?)`, string(status), message, id, nonTerminal)
	if err != nil {
		return err
	}

	res, err := db.ExecContext(ctx, db.Rebind(query), args...)
	if err != nil {
		return classify("update file status", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("file %d to %s: %w", id, status, models.ErrInvalidTransition)
	}
	return nil
}
