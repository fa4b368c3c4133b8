package document

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/studyroomhq/pagecache/internal/models"
	"github.com/studyroomhq/pagecache/internal/storage"
)

// ErrNotFound means no document record exists for the reference. Distinct
// from "exists but not yet converted".
var ErrNotFound = errors.New("document not found")

type Service struct {
	db      *pgxpool.Pool
	storage storage.Storage
	bucket  string
}

func NewService(db *pgxpool.Pool, store storage.Storage, bucket string) *Service {
	return &Service{db: db, storage: store, bucket: bucket}
}

type UploadRequest struct {
	OwnerID  uuid.UUID
	Title    string
	FileType string
	FileSize int64
	Data     io.Reader
}

func (s *Service) Upload(ctx context.Context, req UploadRequest) (*models.Document, error) {
	docID := uuid.New()
	path := fmt.Sprintf("%s/%s/source.pdf", req.OwnerID, docID)

	if err := s.storage.Upload(ctx, s.bucket, path, req.Data, req.FileType); err != nil {
		return nil, fmt.Errorf("upload to storage: %w", err)
	}

	var doc models.Document
	err := s.db.QueryRow(ctx,
		`INSERT INTO documents (id, owner_id, title, file_path, file_type, file_size_bytes, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING id, owner_id, title, file_path, file_type, file_size_bytes, status, created_at`,
		docID, req.OwnerID, req.Title, path, req.FileType, req.FileSize, models.DocStatusPending,
	).Scan(&doc.ID, &doc.OwnerID, &doc.Title, &doc.FilePath, &doc.FileType, &doc.FileSizeBytes, &doc.Status, &doc.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert document: %w", err)
	}

	return &doc, nil
}

func (s *Service) GetByID(ctx context.Context, id uuid.UUID) (*models.Document, error) {
	var doc models.Document
	err := s.db.QueryRow(ctx,
		`SELECT id, owner_id, title, file_path, file_type, file_size_bytes, status, created_at
		 FROM documents WHERE id = $1`,
		id,
	).Scan(&doc.ID, &doc.OwnerID, &doc.Title, &doc.FilePath, &doc.FileType, &doc.FileSizeBytes, &doc.Status, &doc.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get document: %w", err)
	}
	return &doc, nil
}

func (s *Service) List(ctx context.Context, ownerID uuid.UUID, limit, offset int) ([]models.Document, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, owner_id, title, file_path, file_type, file_size_bytes, status, created_at
		 FROM documents WHERE owner_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		ownerID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var docs []models.Document
	for rows.Next() {
		var d models.Document
		if err := rows.Scan(&d.ID, &d.OwnerID, &d.Title, &d.FilePath, &d.FileType, &d.FileSizeBytes, &d.Status, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

func (s *Service) UpdateStatus(ctx context.Context, id uuid.UUID, status string) error {
	_, err := s.db.Exec(ctx, `UPDATE documents SET status = $1 WHERE id = $2`, status, id)
	return err
}

func (s *Service) AddToStudyRoom(ctx context.Context, memberID, docID uuid.UUID) (*models.StudyRoomItem, error) {
	var item models.StudyRoomItem
	err := s.db.QueryRow(ctx,
		`INSERT INTO study_room_items (member_id, document_id)
		 VALUES ($1, $2)
		 ON CONFLICT (member_id, document_id) DO UPDATE SET added_at = study_room_items.added_at
		 RETURNING id, member_id, document_id, added_at`,
		memberID, docID,
	).Scan(&item.ID, &item.MemberID, &item.DocumentID, &item.AddedAt)
	if err != nil {
		return nil, fmt.Errorf("add study room item: %w", err)
	}
	return &item, nil
}
