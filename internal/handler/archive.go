package handler

import (
	"archive/zip"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/activity-orchestrator/internal/model"
	"github.com/t77yq/activity-orchestrator/internal/processor"
)

// SettledStore is the part of the repository the archiver needs
type SettledStore interface {
	Root() string
	SettledBefore(ctx context.Context, q model.Queue, before time.Time) ([]*model.Activity, error)
	Remove(ctx context.Context, q model.Queue, ids []string) (int, error)
}

// ArchivePayload represents the payload of ArchiveActivities activities
type ArchivePayload struct {
	Dir       string      `json:"dir"`
	OlderThan Duration    `json:"older_than"`
	Queue     model.Queue `json:"queue"`
}

// ArchiveHandler zips settled activities into an archive and removes them
// from the repository
type ArchiveHandler struct {
	store SettledStore
	now   func() time.Time
}

// NewArchiveHandler creates a new archive handler
func NewArchiveHandler(store SettledStore, now func() time.Time) *ArchiveHandler {
	if now == nil {
		now = time.Now
	}
	return &ArchiveHandler{store: store, now: now}
}

// Type implements processor.Processor
func (h *ArchiveHandler) Type() string { return ArchiveActivitiesType }

// Execute archives the records
func (h *ArchiveHandler) Execute(ctx context.Context, a *model.Activity) (model.Outcome, error) {
	var payload ArchivePayload
	if outcome, ok := decode(a, &payload); !ok {
		return outcome, nil
	}
	if payload.Queue == "" {
		payload.Queue = model.QueueDone
	}
	if payload.Queue != model.QueueDone && payload.Queue != model.QueueFailed {
		return model.Abandon(fmt.Sprintf("queue %s cannot be archived", payload.Queue)), nil
	}
	if payload.Dir == "" {
		payload.Dir = filepath.Join(h.store.Root(), "archive")
	}
	if payload.OlderThan <= 0 {
		payload.OlderThan = Duration(24 * time.Hour)
	}
	logger := processor.Logger(ctx)

	now := h.now()
	records, err := h.store.SettledBefore(ctx, payload.Queue, now.Add(-payload.OlderThan.Std()))
	if err != nil {
		return model.Outcome{}, err
	}
	if len(records) == 0 {
		logger.Debug("Nothing to archive", zap.String("queue", string(payload.Queue)))
		return model.SuccessNoWork(), nil
	}

	path, err := writeArchive(payload.Dir, payload.Queue, records, now)
	if err != nil {
		return model.Outcome{}, err
	}

	ids := make([]string, 0, len(records))
	for _, r := range records {
		ids = append(ids, r.ID)
	}
	removed, err := h.store.Remove(ctx, payload.Queue, ids)
	if err != nil {
		return model.Outcome{}, fmt.Errorf("archived to %s but failed to remove records: %w", path, err)
	}

	logger.Info("Activities archived",
		zap.String("queue", string(payload.Queue)),
		zap.String("archive", path),
		zap.Int("archived", len(records)),
		zap.Int("removed", removed))
	return model.Success(), nil
}

// writeArchive writes records to a new zip file in dir
func writeArchive(dir string, q model.Queue, records []*model.Activity, now time.Time) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create archive directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".archive-*.zip")
	if err != nil {
		return "", fmt.Errorf("failed to create archive: %w", err)
	}
	defer os.Remove(tmp.Name())

	zw := zip.NewWriter(tmp)
	for _, r := range records {
		body, err := json.MarshalIndent(r, "", "  ")
		if err != nil {
			tmp.Close()
			return "", err
		}
		w, err := zw.CreateHeader(&zip.FileHeader{
			Name:     fmt.Sprintf("%s/%s.%s.json", q, r.Type, r.ID),
			Method:   zip.Deflate,
			Modified: r.CreatedAt,
		})
		if err != nil {
			tmp.Close()
			return "", fmt.Errorf("failed to add %s to archive: %w", r.ID, err)
		}
		if _, err := w.Write(body); err != nil {
			tmp.Close()
			return "", fmt.Errorf("failed to add %s to archive: %w", r.ID, err)
		}
	}
	if err := zw.Close(); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to finish archive: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}

	path := filepath.Join(dir, fmt.Sprintf("%s-%s.zip", q, now.UTC().Format("20060102T150405.000")))
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("failed to publish archive: %w", err)
	}
	return path, nil
}
