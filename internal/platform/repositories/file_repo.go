package repositories

import (
	"context"
	"database/sql"
	"strings"

	"crmsync/internal/platform/database"
	"crmsync/internal/platform/models"
)

type FileRepository struct {
	db *database.DB
}

func NewFileRepository(db *database.DB) *FileRepository {
	return &FileRepository{db: db}
}

func (r *FileRepository) GetFile(ctx context.Context, id int64) (*models.StoredFile, error) {
	var f models.StoredFile
	err := r.db.QueryRowContext(ctx, r.db.Rebind(`SELECT id, filename, storage_path FROM files WHERE id = ?`), id).
		Scan(&f.ID, &f.Filename, &f.StoragePath)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &f, nil
}

// GetDocuments returns the documents that still exist, in id order.
func (r *FileRepository) GetDocuments(ctx context.Context, ids []int64) ([]*models.StoredFile, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := r.db.QueryContext(ctx, r.db.Rebind(`SELECT id, filename, storage_path FROM documents WHERE id IN (`+placeholders+`) ORDER BY id`), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []*models.StoredFile
	for rows.Next() {
		var f models.StoredFile
		if err := rows.Scan(&f.ID, &f.Filename, &f.StoragePath); err != nil {
			return nil, err
		}
		docs = append(docs, &f)
	}
	return docs, rows.Err()
}
