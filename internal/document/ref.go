package document

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/studyroomhq/pagecache/internal/models"
)

type refKind int

const (
	refDocument refKind = iota
	refStudyRoomItem
)

// Ref is the one way to name a document: either directly or through a study
// room item. Every read path resolves through it, so per-caller fallback
// chains cannot drift apart.
type Ref struct {
	kind refKind
	id   uuid.UUID
}

func ByDocumentID(id uuid.UUID) Ref {
	return Ref{kind: refDocument, id: id}
}

func ByStudyRoomItemID(id uuid.UUID) Ref {
	return Ref{kind: refStudyRoomItem, id: id}
}

func (r Ref) String() string {
	if r.kind == refStudyRoomItem {
		return "study-room-item:" + r.id.String()
	}
	return "document:" + r.id.String()
}

// Resolve maps a Ref to its document row. ErrNotFound when neither the
// reference nor the underlying document exists.
func (s *Service) Resolve(ctx context.Context, ref Ref) (*models.Document, error) {
	switch ref.kind {
	case refStudyRoomItem:
		var docID uuid.UUID
		err := s.db.QueryRow(ctx,
			`SELECT document_id FROM study_room_items WHERE id = $1`,
			ref.id,
		).Scan(&docID)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("resolve study room item: %w", err)
		}
		return s.GetByID(ctx, docID)
	default:
		return s.GetByID(ctx, ref.id)
	}
}
