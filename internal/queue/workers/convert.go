package workers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/studyroomhq/pagecache/internal/convert"
	"github.com/studyroomhq/pagecache/internal/queue"
)

type ConvertWorker struct {
	orch *convert.Orchestrator
}

func NewConvertWorker(orch *convert.Orchestrator) *ConvertWorker {
	return &ConvertWorker{orch: orch}
}

func (w *ConvertWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload queue.PageConvertPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}

	docID, err := uuid.Parse(payload.DocumentID)
	if err != nil {
		return fmt.Errorf("parse document ID: %w", err)
	}

	slog.Info("converting document", "document_id", docID)

	job, err := w.orch.Convert(ctx, docID)
	if err != nil {
		// The failure is already classified and recorded on the job row;
		// asynq retries are disabled so we only log here.
		if errors.Is(err, convert.ErrConversionExhausted) {
			slog.Error("conversion retries exhausted", "document_id", docID)
			return nil
		}
		return err
	}

	slog.Info("document converted", "document_id", docID, "pages", job.TotalPages)
	return nil
}
