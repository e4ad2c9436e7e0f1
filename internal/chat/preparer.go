package chat

import (
	"github.com/haasonsaas/modelgate/internal/observability"
	"github.com/haasonsaas/modelgate/pkg/cerrors"
	"github.com/haasonsaas/modelgate/pkg/models"
)

// PrepareInput is everything the preparer may draw messages from.
type PrepareInput struct {
	// CustomMessages, when set, are used verbatim and history is ignored.
	CustomMessages []models.Message

	SystemPrompt string
	Prompt       string

	// History entries pre-loaded for the request's history key.
	History []models.HistoryEntry
}

// PrepareMessages assembles the transcript for one completion request.
// With custom messages it prepends the system prompt only when none is
// present; otherwise it builds [system?] ++ history ++ [user prompt?].
// Idempotent: preparing its own output changes nothing.
func PrepareMessages(in PrepareInput, logger *observability.Logger) ([]models.Message, error) {
	if logger == nil {
		logger = observability.NopLogger()
	}

	if len(in.CustomMessages) > 0 {
		msgs := models.CloneMessages(in.CustomMessages)
		if in.SystemPrompt == "" {
			return msgs, nil
		}
		for _, m := range msgs {
			if m.Role == models.RoleSystem {
				logger.Warn("system prompt ignored: custom messages already contain a system message")
				return msgs, nil
			}
		}
		return append([]models.Message{{Role: models.RoleSystem, Content: models.Text(in.SystemPrompt)}}, msgs...), nil
	}

	if in.Prompt == "" && in.SystemPrompt == "" && len(in.History) == 0 {
		return nil, cerrors.New(cerrors.CodeConfig, "a chat request needs a prompt, custom messages, a system prompt, or history")
	}

	msgs := make([]models.Message, 0, len(in.History)+2)
	if in.SystemPrompt != "" {
		msgs = append(msgs, models.Message{Role: models.RoleSystem, Content: models.Text(in.SystemPrompt)})
	}
	for _, entry := range in.History {
		msgs = append(msgs, filterMessage(entry.Message))
	}
	if in.Prompt != "" {
		msgs = append(msgs, models.Message{Role: models.RoleUser, Content: models.Text(in.Prompt)})
	}
	return msgs, nil
}

// filterMessage keeps only the wire fields and normalizes missing content
// to an explicit null.
func filterMessage(m models.Message) models.Message {
	return models.CloneMessage(models.Message{
		Role:       m.Role,
		Content:    m.Content,
		Name:       m.Name,
		ToolCallID: m.ToolCallID,
		ToolCalls:  m.ToolCalls,
	})
}
