package approvals

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pinnokio/brain/internal/rtdb"
	"github.com/pinnokio/brain/pkg/models"
)

type capturePublisher struct {
	mu     sync.Mutex
	events []models.Event
}

func (p *capturePublisher) Publish(event models.Event) {
	p.mu.Lock()
	p.events = append(p.events, event)
	p.mu.Unlock()
}

func (p *capturePublisher) all() []models.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.Event(nil), p.events...)
}

func newTestBroker(t *testing.T, store rtdb.Client, pub Publisher, timeout time.Duration) *Broker {
	t.Helper()
	broker, err := NewBroker(BrokerConfig{RTDB: store, Publisher: pub, Timeout: timeout})
	if err != nil {
		t.Fatalf("NewBroker: %v", err)
	}
	return broker
}

func testRequest(cardID string) Request {
	return Request{
		UserID:    "u1",
		TenantID:  "t1",
		ThreadKey: "th1",
		Mode:      models.ModeGeneral,
		Card: Card{
			CardID:  cardID,
			Type:    models.CardGeneric,
			Title:   "Confirm export",
			Actions: []CardAction{{ID: "approve", Label: "Approve"}},
		},
	}
}

// waitPending blocks until the broker registers a waiter, so tests can
// resolve without racing the request goroutine.
func waitPending(t *testing.T, b *Broker) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for b.PendingCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("broker never registered a pending approval")
		}
		time.Sleep(time.Millisecond)
	}
}

func cardMetadata(t *testing.T, store rtdb.Client, cardID string) map[string]any {
	t.Helper()
	path := rtdb.MessagePath("t1", models.ModeGeneral.Container(), "th1", cardID)
	raw, err := store.Get(context.Background(), path)
	if err != nil {
		t.Fatalf("Get(%s): %v", path, err)
	}
	rec, ok := raw.(map[string]any)
	if !ok {
		t.Fatalf("card record is %T, want object", raw)
	}
	meta, ok := rec["metadata"].(map[string]any)
	if !ok {
		t.Fatalf("card metadata missing: %v", rec)
	}
	return meta
}

func notifGone(t *testing.T, store rtdb.Client, cardID string) bool {
	t.Helper()
	raw, err := store.Get(context.Background(), rtdb.DirectNotifPath("u1")+"/"+cardID)
	if err != nil {
		t.Fatalf("Get notification: %v", err)
	}
	return raw == nil
}

func TestBrokerApprovalRoundTrip(t *testing.T) {
	store := rtdb.NewMemoryClient()
	pub := &capturePublisher{}
	broker := newTestBroker(t, store, pub, time.Minute)

	results := make(chan models.ApprovalResult, 1)
	errs := make(chan error, 1)
	go func() {
		res, err := broker.RequestWithCard(context.Background(), testRequest("card-1"))
		results <- res
		errs <- err
	}()

	waitPending(t, broker)
	if err := broker.Resolve("u1", "th1", "card-1", "approve_with_message", "ship it"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	select {
	case res := <-results:
		if err := <-errs; err != nil {
			t.Fatalf("RequestWithCard: %v", err)
		}
		if !res.Approved {
			t.Error("approve_with_message action should resolve as approved")
		}
		if res.Action != "approve_with_message" || res.UserMessage != "ship it" {
			t.Errorf("unexpected decision: %+v", res)
		}
		if res.CardMessageID != "card-1" {
			t.Errorf("CardMessageID = %q, want card-1", res.CardMessageID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("approval never resolved")
	}

	meta := cardMetadata(t, store, "card-1")
	if meta["status"] != statusResponded {
		t.Errorf("card status = %v, want %s", meta["status"], statusResponded)
	}
	if meta["action"] != "approve_with_message" {
		t.Errorf("card action = %v", meta["action"])
	}
	if !notifGone(t, store, "card-1") {
		t.Error("direct notification should be deleted after response")
	}
	if broker.PendingCount() != 0 {
		t.Errorf("pending count = %d after resolution", broker.PendingCount())
	}
}

func TestBrokerRejection(t *testing.T) {
	store := rtdb.NewMemoryClient()
	broker := newTestBroker(t, store, nil, time.Minute)

	results := make(chan models.ApprovalResult, 1)
	go func() {
		res, _ := broker.RequestWithCard(context.Background(), testRequest("card-2"))
		results <- res
	}()

	waitPending(t, broker)
	if err := broker.Resolve("u1", "th1", "card-2", "reject", "not now"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	select {
	case res := <-results:
		if res.Approved {
			t.Error("reject action should not resolve as approved")
		}
		if res.UserMessage != "not now" {
			t.Errorf("UserMessage = %q", res.UserMessage)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("rejection never resolved")
	}
}

func TestBrokerTimeout(t *testing.T) {
	store := rtdb.NewMemoryClient()
	broker := newTestBroker(t, store, nil, 30*time.Millisecond)

	res, err := broker.RequestWithCard(context.Background(), testRequest("card-3"))
	if err != nil {
		t.Fatalf("timeout should not be an error, got %v", err)
	}
	if !res.TimedOut {
		t.Error("result should carry TimedOut")
	}
	if res.Approved {
		t.Error("timed-out card must not be approved")
	}

	meta := cardMetadata(t, store, "card-3")
	if meta["status"] != statusTimeout {
		t.Errorf("card status = %v, want %s", meta["status"], statusTimeout)
	}
	if !notifGone(t, store, "card-3") {
		t.Error("direct notification should be deleted after timeout")
	}
}

func TestBrokerContextCancellation(t *testing.T) {
	store := rtdb.NewMemoryClient()
	broker := newTestBroker(t, store, nil, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() {
		_, err := broker.RequestWithCard(ctx, testRequest("card-4"))
		errs <- err
	}()

	waitPending(t, broker)
	cancel()

	select {
	case err := <-errs:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cancellation never unblocked the request")
	}

	meta := cardMetadata(t, store, "card-4")
	if meta["status"] != statusCancelled {
		t.Errorf("card status = %v, want %s", meta["status"], statusCancelled)
	}
}

func TestBrokerResolveWithoutWaiter(t *testing.T) {
	broker := newTestBroker(t, rtdb.NewMemoryClient(), nil, time.Minute)
	err := broker.Resolve("u1", "th1", "ghost", "approve", "")
	if !errors.Is(err, ErrNoPendingApproval) {
		t.Fatalf("err = %v, want ErrNoPendingApproval", err)
	}
}

func TestBrokerRejectsDuplicateCard(t *testing.T) {
	store := rtdb.NewMemoryClient()
	broker := newTestBroker(t, store, nil, time.Minute)

	go broker.RequestWithCard(context.Background(), testRequest("card-5"))
	waitPending(t, broker)

	_, err := broker.RequestWithCard(context.Background(), testRequest("card-5"))
	if !errors.Is(err, ErrApprovalPending) {
		t.Fatalf("err = %v, want ErrApprovalPending", err)
	}

	if err := broker.Resolve("u1", "th1", "card-5", "reject", ""); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
}

func TestBrokerPublishesCardEvent(t *testing.T) {
	store := rtdb.NewMemoryClient()
	pub := &capturePublisher{}
	broker := newTestBroker(t, store, pub, time.Minute)

	req := testRequest("card-6")
	req.AssistantMessageID = "am-9"
	go broker.RequestWithCard(context.Background(), req)
	waitPending(t, broker)
	defer broker.Resolve("u1", "th1", "card-6", "approve", "")

	events := pub.all()
	if len(events) != 1 {
		t.Fatalf("published %d events, want 1", len(events))
	}
	ev := events[0]
	if ev.Type != models.EventCard {
		t.Errorf("event type = %s, want %s", ev.Type, models.EventCard)
	}
	if ev.Channel != models.ChatChannel("u1", "t1", "th1") {
		t.Errorf("event channel = %s", ev.Channel)
	}
	if ev.Payload["message_id"] != "card-6" {
		t.Errorf("payload message_id = %v", ev.Payload["message_id"])
	}
	if ev.Payload["assistant_message_id"] != "am-9" {
		t.Errorf("payload assistant_message_id = %v", ev.Payload["assistant_message_id"])
	}

	content, ok := ev.Payload["content"].(string)
	if !ok {
		t.Fatalf("payload content is %T, want JSON string", ev.Payload["content"])
	}
	var card Card
	if err := json.Unmarshal([]byte(content), &card); err != nil {
		t.Fatalf("card content is not valid JSON: %v", err)
	}
	if card.CardID != "card-6" || card.Title != "Confirm export" {
		t.Errorf("decoded card = %+v", card)
	}
}

func TestBrokerAssignsCardID(t *testing.T) {
	store := rtdb.NewMemoryClient()
	broker := newTestBroker(t, store, nil, 30*time.Millisecond)

	req := testRequest("")
	res, err := broker.RequestWithCard(context.Background(), req)
	if err != nil {
		t.Fatalf("RequestWithCard: %v", err)
	}
	if res.CardMessageID == "" {
		t.Fatal("broker should allocate a card ID when none is given")
	}
}

func TestGenericApprovalCardDefaults(t *testing.T) {
	card := NewGenericApprovalCard("Send invoices?", map[string]any{"count": 3})
	if card.CardID == "" {
		t.Error("generic card should get an ID")
	}
	if card.Type != models.CardGeneric {
		t.Errorf("card type = %s", card.Type)
	}
	if len(card.Actions) != 2 || card.Actions[0].ID != "approve" || card.Actions[1].ID != "reject" {
		t.Errorf("unexpected actions: %+v", card.Actions)
	}
}

func TestTextModificationCardTruncatesPreviews(t *testing.T) {
	long := strings.Repeat("x", previewLimit+500)
	card := NewTextModificationCard(&models.ApprovalProposal{
		ProposalID:    "p1",
		ContextType:   models.ContextRouter,
		OriginalText:  long,
		UpdatedText:   "short",
		OperationsLog: []string{"replace mid: applied"},
	})
	if card.CardID != "p1" {
		t.Errorf("card ID = %q, want proposal ID", card.CardID)
	}
	original, _ := card.Body["original_text"].(string)
	if len(original) > previewLimit+len("…") {
		t.Errorf("original preview not truncated: %d bytes", len(original))
	}
	if !strings.HasSuffix(original, "…") {
		t.Error("truncated preview should end with ellipsis")
	}
	if updated, _ := card.Body["updated_text"].(string); updated != "short" {
		t.Errorf("short text should pass through, got %q", updated)
	}
}
