// Package approvals suspends tool calls on interactive approval cards. A
// card is persisted to the thread channel, broadcast over the websocket
// hub, and mirrored as a direct notification; the calling goroutine blocks
// until the user answers, the card times out, or the run is cancelled.
package approvals

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/pinnokio/brain/pkg/models"
)

// previewLimit bounds the before/after excerpts embedded in a
// text-modification card so the record stays comfortably under RTDB
// node-size limits.
const previewLimit = 1200

// CardAction is one button on a card. Action IDs starting with "approve"
// resolve the suspended call as approved; everything else rejects it.
type CardAction struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Style string `json:"style,omitempty"`
}

// Card is the renderable payload stored in the CARD record and broadcast
// to connected clients.
type Card struct {
	CardID  string          `json:"card_id"`
	Type    models.CardType `json:"card_type"`
	Title   string          `json:"title"`
	Body    map[string]any  `json:"body,omitempty"`
	Actions []CardAction    `json:"actions"`
}

// NewGenericApprovalCard builds a yes/no card around an arbitrary body.
func NewGenericApprovalCard(title string, body map[string]any) Card {
	return Card{
		CardID: uuid.NewString(),
		Type:   models.CardGeneric,
		Title:  title,
		Body:   body,
		Actions: []CardAction{
			{ID: "approve", Label: "Approve", Style: "primary"},
			{ID: "reject", Label: "Reject", Style: "secondary"},
		},
	}
}

// NewTextModificationCard builds the card shown for an UPDATE_CONTEXT
// proposal. Long documents are excerpted; the full texts stay on the
// brain's stashed proposal.
func NewTextModificationCard(proposal *models.ApprovalProposal) Card {
	title := fmt.Sprintf("Update %s context", proposal.ContextType)
	if proposal.ServiceName != "" {
		title = fmt.Sprintf("Update %s context (%s)", proposal.ContextType, proposal.ServiceName)
	}
	return Card{
		CardID: proposal.ProposalID,
		Type:   models.CardTextModification,
		Title:  title,
		Body: map[string]any{
			"context_type":   string(proposal.ContextType),
			"service_name":   proposal.ServiceName,
			"original_text":  excerpt(proposal.OriginalText),
			"updated_text":   excerpt(proposal.UpdatedText),
			"operations_log": proposal.OperationsLog,
		},
		Actions: []CardAction{
			{ID: "approve", Label: "Apply changes", Style: "primary"},
			{ID: "approve_with_message", Label: "Apply with note", Style: "primary"},
			{ID: "reject", Label: "Discard", Style: "secondary"},
		},
	}
}

// ContentJSON renders the card as the JSON string stored in the RTDB
// record's content field.
func (c Card) ContentJSON() string {
	b, err := json.Marshal(c)
	if err != nil {
		return fmt.Sprintf(`{"card_id":%q,"title":%q}`, c.CardID, c.Title)
	}
	return string(b)
}

func excerpt(text string) string {
	if len(text) <= previewLimit {
		return text
	}
	return text[:previewLimit] + "…"
}
