package maestro

import (
	"context"
	"log/slog"
)

// LLMService is the opaque completion collaborator. Implementations may
// fail with ErrRateLimited, ErrLLMTimeout, or ErrProviderError; the core
// treats all of them as retryable by policy.
type LLMService interface {
	Call(ctx context.Context, prompt string, context map[string]any) (string, error)
}

// LLMFunc adapts a function to the LLMService interface.
type LLMFunc func(ctx context.Context, prompt string, context map[string]any) (string, error)

func (f LLMFunc) Call(ctx context.Context, prompt string, context map[string]any) (string, error) {
	return f(ctx, prompt, context)
}

// CheckpointSummary is the payload handed to notification channels when a
// checkpoint is raised.
type CheckpointSummary struct {
	CheckpointID   string `json:"checkpoint_id"`
	ExecutionID    string `json:"execution_id"`
	StepName       string `json:"step_name"`
	ProposedAction string `json:"proposed_action"`
	ExpiresAt      string `json:"expires_at"`
}

// NotificationService delivers checkpoint summaries to approval channels.
// Delivery is fire-and-forget: failures are logged and never fail the
// workflow.
type NotificationService interface {
	Notify(ctx context.Context, summary CheckpointSummary) error
}

// NullNotificationService discards notifications.
type NullNotificationService struct{}

func (NullNotificationService) Notify(ctx context.Context, summary CheckpointSummary) error {
	return nil
}

// notify delivers a summary and logs (only) on failure.
func notify(ctx context.Context, service NotificationService, logger *slog.Logger, summary CheckpointSummary) {
	if service == nil {
		return
	}
	if err := service.Notify(ctx, summary); err != nil {
		logger.Warn("checkpoint notification failed",
			"checkpoint_id", summary.CheckpointID,
			"error", err)
	}
}
