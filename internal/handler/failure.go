package handler

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/t77yq/activity-orchestrator/internal/model"
	"github.com/t77yq/activity-orchestrator/internal/processor"
)

// FailureHandler processes failure activities created for terminally failed
// activities. The notice is always logged and forwarded to the webhook when
// one is configured.
type FailureHandler struct {
	activityType string
	webhook      *Webhook
}

// NewFailureHandler creates a failure handler for activityType, which
// defaults to ActivityFailure
func NewFailureHandler(activityType string, webhook *Webhook) *FailureHandler {
	if activityType == "" {
		activityType = ActivityFailureType
	}
	return &FailureHandler{activityType: activityType, webhook: webhook}
}

// Type implements processor.Processor
func (h *FailureHandler) Type() string { return h.activityType }

// Execute reports the failure
func (h *FailureHandler) Execute(ctx context.Context, a *model.Activity) (model.Outcome, error) {
	var notice model.FailureNotice
	if outcome, ok := decode(a, &notice); !ok {
		return outcome, nil
	}
	logger := processor.Logger(ctx)

	logger.Warn("Activity failed terminally",
		zap.String("failed_id", notice.FailedID),
		zap.String("failed_type", notice.FailedType),
		zap.String("reason", notice.Reason),
		zap.Int("attempts", notice.Attempts),
		zap.String("worker_id", notice.WorkerID),
		zap.Time("failed_at", notice.FailedAt))

	if !h.webhook.Configured() {
		return model.Success(), nil
	}

	data, err := json.Marshal(notice)
	if err != nil {
		return model.Outcome{}, err
	}
	err = h.webhook.Send(ctx, "", Notification{
		Title:   fmt.Sprintf("%s %s failed", notice.FailedType, notice.FailedID),
		Message: notice.Reason,
		Level:   NotificationError,
		Data:    data,
	})
	return notificationOutcome(err)
}
