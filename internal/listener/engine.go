package listener

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/pinnokio/brain/internal/agent"
	"github.com/pinnokio/brain/internal/rtdb"
	"github.com/pinnokio/brain/internal/sessions"
	"github.com/pinnokio/brain/pkg/models"
)

// logTimeLayout is the format of system-log entry timestamps.
const logTimeLayout = "2006-01-02 15:04:05"

// waitingPreviewLimit bounds the waiting-context block injected for CARD
// and WAITING_MESSAGE records.
const waitingPreviewLimit = 500

// Publisher pushes events to connected clients, buffering chat-channel
// events for disconnected users. The websocket hub satisfies it.
type Publisher interface {
	Broadcast(userID string, event models.Event)
}

// Synthesizer produces the forced SUBMIT_WAITING_RESPONSE call used by the
// TERMINATE synthesis. The workflow engine satisfies it.
type Synthesizer interface {
	ForcedToolCall(ctx context.Context, brain *agent.Brain, instruction, toolName string) (map[string]any, error)
}

// Config wires an Engine.
type Config struct {
	RTDB      rtdb.Client
	Publisher Publisher

	// Synthesizer is optional; without one, TERMINATE messages relay the
	// user's raw text.
	Synthesizer Synthesizer

	// ReplayLimit caps how many trailing channel records the load-time
	// reactivation check inspects. Defaults to 50.
	ReplayLimit int

	Logger *slog.Logger
}

// Engine installs per-thread listeners and handles every worker channel
// record on behalf of the owning session.
type Engine struct {
	store       rtdb.Client
	publisher   Publisher
	synth       Synthesizer
	replayLimit int
	logger      *slog.Logger
}

// NewEngine builds an Engine.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.RTDB == nil {
		return nil, errors.New("listener: RTDB client is required")
	}
	if cfg.Publisher == nil {
		return nil, errors.New("listener: publisher is required")
	}
	if cfg.ReplayLimit <= 0 {
		cfg.ReplayLimit = 50
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Engine{
		store:       cfg.RTDB,
		publisher:   cfg.Publisher,
		synth:       cfg.Synthesizer,
		replayLimit: cfg.ReplayLimit,
		logger:      cfg.Logger,
	}, nil
}

// Install subscribes the thread to its worker job channel. At most one
// listener exists per thread; reinstalling returns the live one. The
// channel history is replayed on the session loop before any live event,
// seeding the processed-ID set and injecting the worker's MESSAGE log
// into the brain's system prompt.
func (e *Engine) Install(sess *sessions.Session, threadKey, jobID string) (*Listener, error) {
	if h, ok := sess.Listener(threadKey); ok {
		if existing, ok := h.(*Listener); ok {
			return existing, nil
		}
		return nil, fmt.Errorf("listener: thread %s already has a listener of unknown type", threadKey)
	}

	l := newListener(threadKey, jobID)
	if !sess.AttachListener(threadKey, l) {
		if h, ok := sess.Listener(threadKey); ok {
			if existing, ok := h.(*Listener); ok {
				return existing, nil
			}
		}
		return nil, fmt.Errorf("listener: thread %s attach race lost", threadKey)
	}

	// Replay is scheduled before Listen attaches, so on the loop it runs
	// ahead of every live event; records caught by both the snapshot and
	// the subscription are de-duplicated by the processed set.
	if err := sess.Schedule(func() { e.replay(sess, l) }, sess.ScheduleTimeout()); err != nil {
		sess.DetachListener(threadKey)
		return nil, fmt.Errorf("listener: schedule replay: %w", err)
	}

	path := rtdb.JobChatPath(sess.TenantID, jobID)
	cancel, err := e.store.Listen(path, func(ev rtdb.ChildEvent) {
		if scheduleErr := sess.Schedule(func() { e.dispatch(sess, l, ev) }, sess.ScheduleTimeout()); scheduleErr != nil {
			e.logger.Warn("worker event dropped, session loop unavailable",
				"error", scheduleErr, "thread_key", threadKey, "job_id", jobID, "key", ev.Key)
		}
	})
	if err != nil {
		sess.DetachListener(threadKey)
		return nil, fmt.Errorf("listener: subscribe %s: %w", path, err)
	}
	l.setCancel(cancel)

	e.logger.Info("listener installed",
		"user_id", sess.UserID, "thread_key", threadKey, "job_id", jobID)
	return l, nil
}

// replay folds the channel's existing MESSAGE records into one
// concatenated, timestamped system-log section. Runs on the session loop.
func (e *Engine) replay(sess *sessions.Session, l *Listener) {
	raw, err := e.store.Get(context.Background(), rtdb.JobChatPath(sess.TenantID, l.jobID))
	if err != nil {
		e.logger.Error("channel replay failed", "error", err, "job_id", l.jobID)
		return
	}

	var entries []string
	for _, msg := range decodeChannel(raw) {
		l.processed.Seen(msg.ID)
		if msg.MessageType != models.TypeMessage {
			continue
		}
		entries = append(entries, logEntry(msg))
	}
	if len(entries) == 0 {
		return
	}

	buffer := l.seed(entries)
	if brain, ok := sess.Brain(l.threadKey); ok {
		brain.SetSystemLog(l.jobID, buffer)
	}
}

// dispatch handles one live channel record. Runs on the session loop.
func (e *Engine) dispatch(sess *sessions.Session, l *Listener, ev rtdb.ChildEvent) {
	if l.Stopped() {
		return
	}
	msg, err := models.DecodeRTDBMessage(ev.Key, ev.Value)
	if err != nil {
		e.logger.Warn("undecodable worker record", "error", err, "job_id", l.jobID, "key", ev.Key)
		return
	}
	if msg.SenderID == models.SenderPinnokio {
		// Our own channel writes echo back through the subscription.
		l.processed.Seen(msg.ID)
		return
	}

	channel := models.ChatChannel(sess.UserID, sess.TenantID, l.threadKey)
	mode := sess.ChatMode()

	switch msg.MessageType {
	case models.TypeMessage:
		e.handleWorkerMessage(sess, l, msg, channel)

	case models.TypeFollowMessage:
		e.forward(sess, msg, channel)
		e.StartIntermediation(sess, l.threadKey, extractTools(msg))

	case models.TypeCard, models.TypeWaitingMessage:
		e.forward(sess, msg, channel)
		e.stashWaiting(sess, l, msg)
		if mode.CardIntermediation() {
			e.StartIntermediation(sess, l.threadKey, extractTools(msg))
		}

	case models.TypeTool:
		e.forward(sess, msg, channel)
		if mode.CardIntermediation() {
			e.StartIntermediation(sess, l.threadKey, extractTools(msg))
		}

	case models.TypeCardClicked:
		e.forward(sess, msg, channel)
		if sess.IntermediationActive(l.threadKey) {
			e.StopIntermediation(sess, l.threadKey, ReasonCardClick)
		}

	case models.TypeCloseIntermediation:
		e.forward(sess, msg, channel)
		e.StopIntermediation(sess, l.threadKey, closeReason(msg))

	default:
		e.forward(sess, msg, channel)
	}
}

// handleWorkerMessage routes a worker MESSAGE: straight to the UI during
// intermediation, into the brain's system log otherwise.
func (e *Engine) handleWorkerMessage(sess *sessions.Session, l *Listener, msg models.RTDBMessage, channel string) {
	if sess.IntermediationActive(l.threadKey) {
		e.publisher.Broadcast(sess.UserID, models.NewEvent(models.EventMessageDirect, channel, map[string]any{
			"message_id": msg.ID,
			"text":       msg.Text(),
			"sender_id":  msg.SenderID,
			"timestamp":  msg.Timestamp,
		}))
		return
	}

	if l.processed.Seen(msg.ID) {
		return
	}
	buffer := l.appendEntry(logEntry(msg))
	if brain, ok := sess.Brain(l.threadKey); ok {
		brain.SetSystemLog(l.jobID, buffer)
	}
}

// forward relays a worker record to the UI preserving its type and fields.
func (e *Engine) forward(sess *sessions.Session, msg models.RTDBMessage, channel string) {
	e.publisher.Broadcast(sess.UserID, models.NewEvent(models.EventType(msg.MessageType), channel, recordPayload(msg)))
}

// stashWaiting records the waiting-context block for CARD/WAITING_MESSAGE
// records so the next workflow turn can see what the worker asked for.
func (e *Engine) stashWaiting(sess *sessions.Session, l *Listener, msg models.RTDBMessage) {
	brain, ok := sess.Brain(l.threadKey)
	if !ok {
		return
	}
	block := fmt.Sprintf("Awaiting user input on %s %s: %s",
		msg.MessageType, msg.ID, agent.TruncatePreview(msg.Text(), waitingPreviewLimit))
	brain.AppendSystemLog(l.jobID, formatLogTime(msg.Timestamp), block)
	brain.StashWaitingEvent(block)
}

func recordPayload(msg models.RTDBMessage) map[string]any {
	p := map[string]any{
		"message_id":   msg.ID,
		"message_type": string(msg.MessageType),
		"content":      msg.Content,
		"timestamp":    msg.Timestamp,
		"sender_id":    msg.SenderID,
	}
	if msg.Metadata != nil {
		p["metadata"] = msg.Metadata
	}
	return p
}

// decodeChannel turns a raw channel subtree into messages sorted oldest
// first. Undecodable children are skipped.
func decodeChannel(raw any) []models.RTDBMessage {
	obj, ok := raw.(map[string]any)
	if !ok {
		return nil
	}
	msgs := make([]models.RTDBMessage, 0, len(obj))
	for key, val := range obj {
		msg, err := models.DecodeRTDBMessage(key, val)
		if err != nil {
			continue
		}
		msgs = append(msgs, msg)
	}
	sort.SliceStable(msgs, func(i, j int) bool {
		return lessTimestamp(msgs[i].Timestamp, msgs[j].Timestamp)
	})
	return msgs
}

func lessTimestamp(a, b string) bool {
	ta, aok := parseTimestamp(a)
	tb, bok := parseTimestamp(b)
	if aok && bok {
		return ta.Before(tb)
	}
	return a < b
}

// parseTimestamp accepts the two shapes workers produce: RFC 3339 strings
// and epoch values (seconds or milliseconds) in decimal form.
func parseTimestamp(ts string) (time.Time, bool) {
	if ts == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
		return t, true
	}
	if epoch, err := strconv.ParseInt(ts, 10, 64); err == nil {
		if epoch > 1e12 {
			return time.UnixMilli(epoch).UTC(), true
		}
		return time.Unix(epoch, 0).UTC(), true
	}
	return time.Time{}, false
}

func formatLogTime(ts string) string {
	if t, ok := parseTimestamp(ts); ok {
		return t.UTC().Format(logTimeLayout)
	}
	return time.Now().UTC().Format(logTimeLayout)
}

func logEntry(msg models.RTDBMessage) string {
	return formatLogTime(msg.Timestamp) + " | " + msg.Text()
}

// extractTools pulls the announced tool names from a worker record. Both
// publishing shapes are accepted: a flat list of names, and a list of
// {name, description, ...} objects.
func extractTools(msg models.RTDBMessage) []string {
	list, ok := toolsField(msg).([]any)
	if !ok {
		return nil
	}
	names := make([]string, 0, len(list))
	for _, item := range list {
		switch v := item.(type) {
		case string:
			if v != "" {
				names = append(names, v)
			}
		case map[string]any:
			if name, _ := v["name"].(string); name != "" {
				names = append(names, name)
			}
		}
	}
	return names
}

func toolsField(msg models.RTDBMessage) any {
	if msg.Metadata != nil {
		if raw, ok := msg.Metadata["tools"]; ok {
			return raw
		}
	}
	switch c := msg.Content.(type) {
	case map[string]any:
		return c["tools"]
	case string:
		var obj map[string]any
		if err := json.Unmarshal([]byte(c), &obj); err == nil {
			return obj["tools"]
		}
	}
	return nil
}
