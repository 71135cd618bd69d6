package models

import (
	"time"
)

// ContextType names the editable context documents a tenant owns.
type ContextType string

const (
	ContextRouter     ContextType = "router"
	ContextAccounting ContextType = "accounting"
	ContextCompany    ContextType = "company"
)

// ProposalStatus tracks an UPDATE_CONTEXT proposal through approval.
type ProposalStatus string

const (
	ProposalPending  ProposalStatus = "pending_approval"
	ProposalApproved ProposalStatus = "approved"
	ProposalRejected ProposalStatus = "rejected"
)

// ApprovalProposal is held on a brain while an UPDATE_CONTEXT card awaits
// the user's decision.
type ApprovalProposal struct {
	ProposalID    string         `json:"proposal_id"`
	ContextType   ContextType    `json:"context_type"`
	ServiceName   string         `json:"service_name,omitempty"`
	OriginalText  string         `json:"original_text"`
	OriginalHash  string         `json:"original_hash"`
	UpdatedText   string         `json:"updated_text"`
	OperationsLog []string       `json:"operations_log"`
	Status        ProposalStatus `json:"status"`
	CreatedAt     time.Time      `json:"created_at"`
}

// CardType selects the card builder variant.
type CardType string

const (
	CardGeneric          CardType = "generic_approval"
	CardTextModification CardType = "text_modification"
)

// ApprovalResult is what a suspended tool call receives once the card is
// answered or times out.
type ApprovalResult struct {
	Approved      bool   `json:"approved"`
	Action        string `json:"action,omitempty"`
	UserMessage   string `json:"user_message,omitempty"`
	CardMessageID string `json:"card_message_id"`
	TimedOut      bool   `json:"timeout,omitempty"`
}
