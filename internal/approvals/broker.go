package approvals

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pinnokio/brain/internal/rtdb"
	"github.com/pinnokio/brain/pkg/models"
)

// DefaultTimeout is how long a card waits for the user before resolving
// as timed out.
const DefaultTimeout = 15 * time.Minute

const (
	statusPending   = "pending_approval"
	statusResponded = "responded"
	statusTimeout   = "timeout"
	statusCancelled = "cancelled"
)

var (
	// ErrNoPendingApproval is returned when a response arrives for a
	// card nobody is waiting on (already resolved, timed out, or never
	// requested).
	ErrNoPendingApproval = errors.New("no pending approval for card")

	// ErrApprovalPending is returned when a second card is requested
	// under a key that already has a waiter.
	ErrApprovalPending = errors.New("approval already pending for card")
)

// Publisher pushes events to connected clients. The websocket hub
// satisfies it.
type Publisher interface {
	Publish(event models.Event)
}

// Decision is the user's answer to a card.
type Decision struct {
	Action      string
	UserMessage string
}

// Request describes one approval round: who must answer, on which thread,
// and what card to show them.
type Request struct {
	UserID    string
	TenantID  string
	ThreadKey string
	Mode      models.ChatMode
	Card      Card

	// AssistantMessageID, when set, lets the client anchor the card to
	// the assistant turn that raised it.
	AssistantMessageID string

	// Timeout overrides the broker default when positive.
	Timeout time.Duration
}

// BrokerConfig wires a Broker.
type BrokerConfig struct {
	RTDB      rtdb.Client
	Publisher Publisher
	Timeout   time.Duration
	Logger    *slog.Logger
}

// Broker suspends callers on approval cards and resolves them when the
// matching response arrives. One waiter per user:thread:card key.
type Broker struct {
	mu      sync.Mutex
	pending map[string]chan Decision

	store     rtdb.Client
	publisher Publisher
	timeout   time.Duration
	logger    *slog.Logger
}

// NewBroker builds a Broker. Timeout defaults to DefaultTimeout.
func NewBroker(cfg BrokerConfig) (*Broker, error) {
	if cfg.RTDB == nil {
		return nil, errors.New("approvals: RTDB client is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Broker{
		pending:   make(map[string]chan Decision),
		store:     cfg.RTDB,
		publisher: cfg.Publisher,
		timeout:   cfg.Timeout,
		logger:    cfg.Logger,
	}, nil
}

// RequestWithCard persists the card, notifies the user, and blocks until
// a decision, the timeout, or ctx cancellation. Timeout is not an error:
// the result carries TimedOut and the model decides what to do with it.
func (b *Broker) RequestWithCard(ctx context.Context, req Request) (models.ApprovalResult, error) {
	card := req.Card
	if card.CardID == "" {
		card.CardID = uuid.NewString()
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = b.timeout
	}

	key := pendingKey(req.UserID, req.ThreadKey, card.CardID)
	ch, err := b.register(key)
	if err != nil {
		return models.ApprovalResult{}, err
	}
	defer b.unregister(key)

	channel := models.ChatChannel(req.UserID, req.TenantID, req.ThreadKey)
	msgPath := rtdb.MessagePath(req.TenantID, req.Mode.Container(), req.ThreadKey, card.CardID)
	notifPath := rtdb.DirectNotifPath(req.UserID) + "/" + card.CardID

	if err := b.announce(ctx, req, card, channel, msgPath, notifPath, timeout); err != nil {
		return models.ApprovalResult{}, err
	}

	log := b.logger.With("user_id", req.UserID, "thread_key", req.ThreadKey, "card_id", card.CardID)
	log.Info("approval card issued", "card_type", card.Type, "timeout", timeout)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case decision := <-ch:
		b.settle(ctx, msgPath, notifPath, map[string]any{
			"status":       statusResponded,
			"action":       decision.Action,
			"user_message": decision.UserMessage,
			"responded_at": models.NowTimestamp(),
		})
		log.Info("approval card answered", "action", decision.Action)
		return models.ApprovalResult{
			Approved:      strings.HasPrefix(decision.Action, "approve"),
			Action:        decision.Action,
			UserMessage:   decision.UserMessage,
			CardMessageID: card.CardID,
		}, nil

	case <-timer.C:
		b.settle(ctx, msgPath, notifPath, map[string]any{
			"status":       statusTimeout,
			"timed_out_at": models.NowTimestamp(),
		})
		log.Warn("approval card timed out")
		return models.ApprovalResult{CardMessageID: card.CardID, TimedOut: true}, nil

	case <-ctx.Done():
		b.settle(ctx, msgPath, notifPath, map[string]any{"status": statusCancelled})
		return models.ApprovalResult{CardMessageID: card.CardID}, context.Cause(ctx)
	}
}

// Resolve delivers the user's decision to the waiter registered under
// user:thread:card. The send is non-blocking: a missing or already
// satisfied waiter yields ErrNoPendingApproval.
func (b *Broker) Resolve(userID, threadKey, cardID, action, userMessage string) error {
	b.mu.Lock()
	ch, ok := b.pending[pendingKey(userID, threadKey, cardID)]
	b.mu.Unlock()
	if !ok {
		return ErrNoPendingApproval
	}
	select {
	case ch <- Decision{Action: action, UserMessage: userMessage}:
		return nil
	default:
		return ErrNoPendingApproval
	}
}

// PendingCount reports how many cards are currently awaiting a decision.
func (b *Broker) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func (b *Broker) register(key string) (chan Decision, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.pending[key]; exists {
		return nil, fmt.Errorf("%w: %s", ErrApprovalPending, key)
	}
	ch := make(chan Decision, 1)
	b.pending[key] = ch
	return ch, nil
}

func (b *Broker) unregister(key string) {
	b.mu.Lock()
	delete(b.pending, key)
	b.mu.Unlock()
}

// announce publishes the CARD event, persists the card record, and writes
// the sidebar notification. The WS event goes out first so a connected
// client renders the card without waiting on RTDB round-trips. Failing to
// persist the record aborts the round; a failed notification does not.
func (b *Broker) announce(ctx context.Context, req Request, card Card, channel, msgPath, notifPath string, timeout time.Duration) error {
	content := card.ContentJSON()
	now := models.NowTimestamp()

	if b.publisher != nil {
		payload := map[string]any{
			"message_id": card.CardID,
			"card_type":  string(card.Type),
			"content":    content,
			"timestamp":  now,
		}
		if req.AssistantMessageID != "" {
			payload["assistant_message_id"] = req.AssistantMessageID
		}
		b.publisher.Publish(models.Event{Type: models.EventCard, Channel: channel, Payload: payload})
	}

	record := map[string]any{
		"id":              card.CardID,
		"message_type":    string(models.TypeCard),
		"content":         content,
		"timestamp":       now,
		"sender_id":       models.SenderPinnokio,
		"read":            false,
		"local_processed": false,
		"metadata": map[string]any{
			"card_type":  string(card.Type),
			"status":     statusPending,
			"timeout_at": time.Now().UTC().Add(timeout).Format(time.RFC3339),
		},
	}
	if err := b.store.Set(ctx, msgPath, record); err != nil {
		return fmt.Errorf("persist approval card: %w", err)
	}

	notif := map[string]any{
		"id":         card.CardID,
		"type":       "approval_card",
		"card_type":  string(card.Type),
		"title":      card.Title,
		"tenant_id":  req.TenantID,
		"thread_key": req.ThreadKey,
		"created_at": now,
	}
	if err := b.store.Set(ctx, notifPath, notif); err != nil {
		b.logger.Warn("write approval notification", "path", notifPath, "error", err)
	}
	return nil
}

// settle patches the card record's metadata and removes the sidebar
// notification. It runs even when the caller's ctx is already cancelled.
func (b *Broker) settle(ctx context.Context, msgPath, notifPath string, patch map[string]any) {
	ctx = context.WithoutCancel(ctx)
	if err := b.store.Update(ctx, msgPath+"/metadata", patch); err != nil {
		b.logger.Warn("patch approval card", "path", msgPath, "error", err)
	}
	if err := b.store.Delete(ctx, notifPath); err != nil {
		b.logger.Warn("delete approval notification", "path", notifPath, "error", err)
	}
}

func pendingKey(userID, threadKey, cardID string) string {
	return fmt.Sprintf("%s:%s:%s", userID, threadKey, cardID)
}
