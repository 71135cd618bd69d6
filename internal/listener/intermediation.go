package listener

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pinnokio/brain/internal/agent"
	"github.com/pinnokio/brain/internal/rtdb"
	"github.com/pinnokio/brain/internal/sessions"
	"github.com/pinnokio/brain/pkg/models"
)

// ErrNoListener is returned when an intermediation operation targets a
// thread without an installed listener.
var ErrNoListener = errors.New("no listener installed for thread")

// StopReason explains why intermediation ended on a thread.
type StopReason string

const (
	ReasonTimeout         StopReason = "timeout"
	ReasonCardClick       StopReason = "card_click"
	ReasonTerminationWord StopReason = "termination_word"
	ReasonUserAction      StopReason = "user_action"
)

// Closing keywords a user message may end with during intermediation.
const (
	wordTerminate = "TERMINATE"
	wordPending   = "PENDING"
	wordNext      = "NEXT"
)

const synthInstruction = "The user is closing the intermediation with the message below. " +
	"Call SUBMIT_WAITING_RESPONSE with a response_to_application that answers the waiting " +
	"application on the user's behalf and ends with TERMINATE, plus a short user_summary " +
	"of what was decided.\n\nUser message: %s"

// StartIntermediation flips the thread into worker-to-user mode and
// announces it to the UI. Idempotent: a second start reports false and
// emits nothing. The system message is never written to RTDB.
func (e *Engine) StartIntermediation(sess *sessions.Session, threadKey string, tools []string) bool {
	if sess.IntermediationActive(threadKey) {
		return false
	}
	sess.SetIntermediation(threadKey, true)

	channel := models.ChatChannel(sess.UserID, sess.TenantID, threadKey)
	e.publisher.Broadcast(sess.UserID, models.NewEvent(models.EventSystemIntermediation, channel, map[string]any{
		"message":    startText(sessionLanguage(sess)),
		"persistent": false,
	}))
	statePayload := map[string]any{"action": "start"}
	if len(tools) > 0 {
		statePayload["tools"] = tools
	}
	e.publisher.Broadcast(sess.UserID, models.NewEvent(models.EventIntermediationState, channel, statePayload))

	e.logger.Info("intermediation started",
		"user_id", sess.UserID, "thread_key", threadKey, "tools", len(tools))
	return true
}

// StopIntermediation ends worker-to-user mode with a localized reason.
// Reports false when the thread was not intermediating.
func (e *Engine) StopIntermediation(sess *sessions.Session, threadKey string, reason StopReason) bool {
	if !sess.IntermediationActive(threadKey) {
		return false
	}
	sess.SetIntermediation(threadKey, false)

	channel := models.ChatChannel(sess.UserID, sess.TenantID, threadKey)
	e.publisher.Broadcast(sess.UserID, models.NewEvent(models.EventSystemIntermediation, channel, map[string]any{
		"message":    stopText(sessionLanguage(sess), reason),
		"reason":     string(reason),
		"persistent": false,
	}))
	e.publisher.Broadcast(sess.UserID, models.NewEvent(models.EventIntermediationState, channel, map[string]any{
		"action": "stop",
		"reason": string(reason),
	}))

	e.logger.Info("intermediation stopped",
		"user_id", sess.UserID, "thread_key", threadKey, "reason", reason)
	return true
}

// RelayResult reports what the intermediation response path did with a
// user message.
type RelayResult struct {
	// MessageID is the MESSAGE_PINNOKIO record written to the worker
	// channel.
	MessageID string
	// Closed is true when the message ended intermediation.
	Closed bool
	// Synthesized is true when the TERMINATE synthesis replaced the raw
	// text.
	Synthesized bool
}

// RelayUserMessage is the intermediation response path: the user's text
// goes to the worker channel as a MESSAGE_PINNOKIO record, never over the
// WS and never into the thread container. A closing keyword additionally
// writes a CLOSE_INTERMEDIATION record and stops intermediation locally.
func (e *Engine) RelayUserMessage(ctx context.Context, sess *sessions.Session, threadKey, text string) (RelayResult, error) {
	h, ok := sess.Listener(threadKey)
	if !ok {
		return RelayResult{}, ErrNoListener
	}
	l, ok := h.(*Listener)
	if !ok {
		return RelayResult{}, ErrNoListener
	}

	res := RelayResult{}
	word := terminationWord(text)
	outgoing := text

	if word == wordTerminate && sess.ChatMode().OnboardingLike() && e.synth != nil {
		if brain, ok := sess.Brain(threadKey); ok {
			out, err := e.synth.ForcedToolCall(ctx, brain, fmt.Sprintf(synthInstruction, text), agent.ToolSubmitWaitingRsp)
			switch {
			case err != nil:
				e.logger.Warn("terminate synthesis failed, relaying raw text",
					"error", err, "thread_key", threadKey)
			default:
				if resp, _ := out["response_to_application"].(string); resp != "" {
					if terminationWord(resp) != wordTerminate {
						resp = strings.TrimSpace(resp) + " " + wordTerminate
					}
					outgoing = resp
					res.Synthesized = true
					now := time.Now().UTC().Format(logTimeLayout)
					if summary, _ := out["user_summary"].(string); summary != "" {
						brain.AppendSystemLog(l.jobID, now, "User summary: "+summary)
					}
					if notes, _ := out["context_notes"].(string); notes != "" {
						brain.AppendSystemLog(l.jobID, now, "Context notes: "+notes)
					}
				}
			}
		}
	}

	id, err := e.writeChannelRecord(ctx, sess.TenantID, l.jobID, models.TypeMessagePinnokio, outgoing)
	if err != nil {
		return RelayResult{}, err
	}
	res.MessageID = id

	if word != "" {
		if _, err := e.writeChannelRecord(ctx, sess.TenantID, l.jobID, models.TypeCloseIntermediation,
			map[string]any{"reason": string(ReasonTerminationWord)}); err != nil {
			e.logger.Error("close record write failed", "error", err, "job_id", l.jobID)
		}
		e.StopIntermediation(sess, threadKey, ReasonTerminationWord)
		res.Closed = true
	}
	return res, nil
}

// SubmitWaitingResponse answers a worker's WAITING_MESSAGE: the response
// goes to the job channel as a MESSAGE_PINNOKIO record, and the summary
// and notes land on the brain's system log so later turns remember what
// was decided.
func (e *Engine) SubmitWaitingResponse(ctx context.Context, sess *sessions.Session, threadKey, response, userSummary, contextNotes string) (string, error) {
	h, ok := sess.Listener(threadKey)
	if !ok {
		return "", ErrNoListener
	}
	l, ok := h.(*Listener)
	if !ok {
		return "", ErrNoListener
	}

	id, err := e.writeChannelRecord(ctx, sess.TenantID, l.jobID, models.TypeMessagePinnokio, response)
	if err != nil {
		return "", err
	}
	if brain, ok := sess.Brain(threadKey); ok {
		now := time.Now().UTC().Format(logTimeLayout)
		if userSummary != "" {
			brain.AppendSystemLog(l.jobID, now, "User summary: "+userSummary)
		}
		if contextNotes != "" {
			brain.AppendSystemLog(l.jobID, now, "Context notes: "+contextNotes)
		}
	}
	return id, nil
}

// ForwardCardClick writes the user's card response to the worker channel
// and, when intermediation is active, ends it.
func (e *Engine) ForwardCardClick(ctx context.Context, sess *sessions.Session, threadKey, cardName, cardMessageID, action, userMessage string) error {
	h, ok := sess.Listener(threadKey)
	if !ok {
		return ErrNoListener
	}
	l, ok := h.(*Listener)
	if !ok {
		return ErrNoListener
	}

	content := map[string]any{
		"card_name":       cardName,
		"card_message_id": cardMessageID,
		"action":          action,
	}
	if userMessage != "" {
		content["user_message"] = userMessage
	}
	if _, err := e.writeChannelRecord(ctx, sess.TenantID, l.jobID, models.TypeCardClicked, content); err != nil {
		return err
	}
	if sess.IntermediationActive(threadKey) {
		e.StopIntermediation(sess, threadKey, ReasonCardClick)
	}
	return nil
}

// ReactivationResult reports what the load-time check decided.
type ReactivationResult struct {
	Reactivated  bool
	CardReplayed bool
}

// CheckIntermediationOnLoad inspects the trailing worker channel records
// and reactivates intermediation when a CARD/TOOL/FOLLOW_MESSAGE trigger
// is newer than any CLOSE_INTERMEDIATION and the job can still answer.
// The state flip runs on the session loop; an unacknowledged CARD is
// re-broadcast (the hub buffers it when the user is offline).
func (e *Engine) CheckIntermediationOnLoad(ctx context.Context, sess *sessions.Session, threadKey, jobID, jobStatus string) (ReactivationResult, error) {
	raw, err := e.store.Get(ctx, rtdb.JobChatPath(sess.TenantID, jobID))
	if err != nil {
		return ReactivationResult{}, fmt.Errorf("load job channel: %w", err)
	}
	msgs := decodeChannel(raw)
	if len(msgs) > e.replayLimit {
		msgs = msgs[len(msgs)-e.replayLimit:]
	}
	// Newest first: index 0 is the most recent record.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}

	triggerIdx, closeIdx, cardIdx, clickIdx := -1, -1, -1, -1
	for i, m := range msgs {
		switch m.MessageType {
		case models.TypeCard:
			if cardIdx < 0 {
				cardIdx = i
			}
			if triggerIdx < 0 {
				triggerIdx = i
			}
		case models.TypeTool, models.TypeFollowMessage:
			if triggerIdx < 0 {
				triggerIdx = i
			}
		case models.TypeCloseIntermediation:
			if closeIdx < 0 {
				closeIdx = i
			}
		case models.TypeCardClicked:
			if clickIdx < 0 {
				clickIdx = i
			}
		}
	}

	if triggerIdx < 0 {
		return ReactivationResult{}, nil
	}
	if closeIdx >= 0 && closeIdx <= triggerIdx {
		return ReactivationResult{}, nil
	}
	if !jobStatusAllows(jobStatus) {
		return ReactivationResult{}, nil
	}

	trigger := msgs[triggerIdx]
	replayCard := cardIdx >= 0 && (clickIdx < 0 || clickIdx > cardIdx)
	res := ReactivationResult{Reactivated: true, CardReplayed: replayCard}

	err = sess.Schedule(func() {
		e.StartIntermediation(sess, threadKey, extractTools(trigger))
		if replayCard {
			e.forward(sess, msgs[cardIdx], models.ChatChannel(sess.UserID, sess.TenantID, threadKey))
		}
	}, sess.ScheduleTimeout())
	if err != nil {
		return ReactivationResult{}, fmt.Errorf("schedule reactivation: %w", err)
	}
	return res, nil
}

// writeChannelRecord stores one service-authored record on the worker
// channel. The dispatch skips these when they echo back.
func (e *Engine) writeChannelRecord(ctx context.Context, tenantID, jobID string, mtype models.MessageType, content any) (string, error) {
	id := uuid.NewString()
	record := map[string]any{
		"id":              id,
		"message_type":    string(mtype),
		"content":         content,
		"timestamp":       models.NowTimestamp(),
		"sender_id":       models.SenderPinnokio,
		"read":            false,
		"local_processed": false,
	}
	path := rtdb.JobChatPath(tenantID, jobID) + "/" + id
	if err := e.store.Set(ctx, path, record); err != nil {
		return "", fmt.Errorf("write %s record: %w", mtype, err)
	}
	return id, nil
}

// terminationWord reports which closing keyword the text ends with, upper
// cased, or "".
func terminationWord(text string) string {
	trimmed := strings.ToUpper(strings.TrimSpace(text))
	for _, w := range []string{wordTerminate, wordPending, wordNext} {
		if strings.HasSuffix(trimmed, w) {
			return w
		}
	}
	return ""
}

// jobStatusAllows gates reactivation on the worker still being able to
// answer. An unspecified status gives the job the benefit of the doubt.
func jobStatusAllows(status string) bool {
	switch status {
	case "", models.JobStatusRunning, models.JobStatusQueued:
		return true
	}
	return false
}

func closeReason(msg models.RTDBMessage) StopReason {
	var raw string
	switch c := msg.Content.(type) {
	case string:
		var obj map[string]any
		if err := json.Unmarshal([]byte(c), &obj); err == nil {
			raw, _ = obj["reason"].(string)
		} else {
			raw = c
		}
	case map[string]any:
		raw, _ = c["reason"].(string)
	}
	if raw == "" && msg.Metadata != nil {
		raw, _ = msg.Metadata["reason"].(string)
	}
	switch r := StopReason(raw); r {
	case ReasonTimeout, ReasonCardClick, ReasonTerminationWord, ReasonUserAction:
		return r
	}
	return ReasonUserAction
}

func sessionLanguage(sess *sessions.Session) string {
	if uc := sess.UserContext(); uc != nil && strings.HasPrefix(strings.ToLower(uc.Language), "fr") {
		return "fr"
	}
	return "en"
}

func startText(lang string) string {
	if lang == "fr" {
		return "Mode intermédiation activé : l'application vous répond directement."
	}
	return "Intermediation mode activated: the application is talking to you directly."
}

func stopText(lang string, reason StopReason) string {
	texts, ok := stopTexts[reason]
	if !ok {
		texts = stopTexts[ReasonUserAction]
	}
	if lang == "fr" {
		return texts[1]
	}
	return texts[0]
}

var stopTexts = map[StopReason][2]string{
	ReasonTimeout:         {"Intermediation closed: the application stopped waiting.", "Intermédiation terminée : l'application n'attend plus de réponse."},
	ReasonCardClick:       {"Intermediation closed after your card response.", "Intermédiation terminée suite à votre réponse."},
	ReasonTerminationWord: {"Intermediation closed by your last message.", "Intermédiation terminée par votre dernier message."},
	ReasonUserAction:      {"Intermediation closed.", "Intermédiation terminée."},
}
