package manager

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pinnokio/brain/pkg/models"
)

// RPC method names the gateway control plane accepts.
const (
	MethodInitializeSession      = "initialize_session"
	MethodEnterChat              = "enter_chat"
	MethodLeaveChat              = "leave_chat"
	MethodSendMessage            = "send_message"
	MethodLoadChatHistory        = "load_chat_history"
	MethodFlushChatHistory       = "flush_chat_history"
	MethodStopStreaming          = "stop_streaming"
	MethodStartOnboardingChat    = "start_onboarding_chat"
	MethodStopOnboardingChat     = "stop_onboarding_chat"
	MethodSendCardResponse       = "send_card_response"
	MethodHandleApprovalResponse = "handle_approval_response"
	MethodInvalidateUserContext  = "invalidate_user_context"
)

// Dispatch satisfies the gateway's control-plane interface: params are
// decoded by method name and routed to the matching operation. Unknown
// methods are reported back to the client verbatim.
func (m *Manager) Dispatch(ctx context.Context, method string, params json.RawMessage) (any, error) {
	switch method {
	case MethodInitializeSession:
		var p struct {
			UserID     string          `json:"user_id"`
			TenantID   string          `json:"tenant_id"`
			ClientUUID string          `json:"client_uuid"`
			ChatMode   models.ChatMode `json:"chat_mode"`
		}
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		return m.InitializeSession(ctx, p.UserID, p.TenantID, p.ClientUUID, p.ChatMode)

	case MethodEnterChat:
		var p struct {
			UserID    string          `json:"user_id"`
			TenantID  string          `json:"tenant_id"`
			ThreadKey string          `json:"thread_key"`
			ChatMode  models.ChatMode `json:"chat_mode"`
		}
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		return m.EnterChat(ctx, p.UserID, p.TenantID, p.ThreadKey, p.ChatMode)

	case MethodLeaveChat:
		var p struct {
			UserID    string `json:"user_id"`
			TenantID  string `json:"tenant_id"`
			ThreadKey string `json:"thread_key"`
		}
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		return m.LeaveChat(p.UserID, p.TenantID, p.ThreadKey)

	case MethodSendMessage:
		var p struct {
			UserID       string          `json:"user_id"`
			TenantID     string          `json:"tenant_id"`
			ThreadKey    string          `json:"thread_key"`
			Message      string          `json:"message"`
			ChatMode     models.ChatMode `json:"chat_mode"`
			SystemPrompt string          `json:"system_prompt"`
			SelectedTool string          `json:"selected_tool"`
		}
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		return m.SendMessage(ctx, p.UserID, p.TenantID, p.ThreadKey, p.Message, p.ChatMode, p.SystemPrompt, p.SelectedTool)

	case MethodLoadChatHistory:
		var p struct {
			UserID    string          `json:"user_id"`
			TenantID  string          `json:"tenant_id"`
			ThreadKey string          `json:"thread_key"`
			History   []HistoryEntry  `json:"history"`
			ChatMode  models.ChatMode `json:"chat_mode"`
		}
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		return m.LoadChatHistory(ctx, p.UserID, p.TenantID, p.ThreadKey, p.History, p.ChatMode)

	case MethodFlushChatHistory:
		var p struct {
			UserID    string `json:"user_id"`
			TenantID  string `json:"tenant_id"`
			ThreadKey string `json:"thread_key"`
		}
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		return m.FlushChatHistory(p.UserID, p.TenantID, p.ThreadKey)

	case MethodStopStreaming:
		var p struct {
			UserID    string `json:"user_id"`
			TenantID  string `json:"tenant_id"`
			ThreadKey string `json:"thread_key"`
		}
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		return m.StopStreaming(p.UserID, p.TenantID, p.ThreadKey)

	case MethodStartOnboardingChat:
		var p struct {
			UserID    string `json:"user_id"`
			TenantID  string `json:"tenant_id"`
			ThreadKey string `json:"thread_key"`
		}
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		return m.StartOnboardingChat(ctx, p.UserID, p.TenantID, p.ThreadKey)

	case MethodStopOnboardingChat:
		var p struct {
			UserID      string   `json:"user_id"`
			TenantID    string   `json:"tenant_id"`
			ThreadKey   string   `json:"thread_key"`
			JobIDs      []string `json:"job_ids"`
			MandatePath string   `json:"mandate_path"`
		}
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		return m.StopOnboardingChat(ctx, p.UserID, p.TenantID, p.ThreadKey, p.JobIDs, p.MandatePath)

	case MethodSendCardResponse:
		var p struct {
			UserID        string `json:"user_id"`
			TenantID      string `json:"tenant_id"`
			ThreadKey     string `json:"thread_key"`
			CardName      string `json:"card_name"`
			CardMessageID string `json:"card_message_id"`
			Action        string `json:"action"`
			UserMessage   string `json:"user_message"`
		}
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		return m.SendCardResponse(ctx, p.UserID, p.TenantID, p.ThreadKey, p.CardName, p.CardMessageID, p.Action, p.UserMessage)

	case MethodHandleApprovalResponse:
		var p struct {
			UserID    string `json:"user_id"`
			ThreadKey string `json:"thread_key"`
			PlanID    string `json:"plan_id"`
			Approved  bool   `json:"approved"`
			Comment   string `json:"comment"`
		}
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		return m.HandleApprovalResponse(p.UserID, p.ThreadKey, p.PlanID, p.Approved, p.Comment)

	case MethodInvalidateUserContext:
		var p struct {
			UserID   string `json:"user_id"`
			TenantID string `json:"tenant_id"`
		}
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		return m.InvalidateUserContext(ctx, p.UserID, p.TenantID)
	}
	return nil, fmt.Errorf("unknown method %q", method)
}

func decodeParams(params json.RawMessage, into any) error {
	if len(params) == 0 {
		return fmt.Errorf("params are required")
	}
	if err := json.Unmarshal(params, into); err != nil {
		return fmt.Errorf("decode params: %w", err)
	}
	return nil
}
