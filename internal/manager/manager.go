// Package manager implements the RPC surface of the brain service. It
// fronts the session registry, the workflow engine, the approval broker,
// the worker-channel listener, and the worker HTTP client, and owns the
// lifecycle of every streaming run.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pinnokio/brain/internal/agent"
	"github.com/pinnokio/brain/internal/approvals"
	"github.com/pinnokio/brain/internal/listener"
	"github.com/pinnokio/brain/internal/metrics"
	"github.com/pinnokio/brain/internal/rtdb"
	"github.com/pinnokio/brain/internal/sessions"
	"github.com/pinnokio/brain/pkg/models"
)

// taskThreadPrefix namespaces the synthetic threads scheduled executions
// run on, keeping them apart from user chat threads.
const taskThreadPrefix = "task_"

// Config wires a Manager. Registry, Store, Hub, Approvals, Listener, and
// Workflow are required; the rest degrade gracefully when absent (the
// tools that need them report a configuration error instead).
type Config struct {
	Registry  *sessions.Registry
	Store     rtdb.Client
	Hub       Broadcaster
	Approvals *approvals.Broker
	Listener  *listener.Engine
	Workflow  *agent.Workflow

	Worker   WorkerClient
	Contexts ContextStore
	Tasks    TaskStore
	Analyzer DocumentAnalyzer
	Metrics  *metrics.Metrics

	Counter *agent.TokenCounter
	// Model is the provider model new brains converse with.
	Model string
	// AssistantSender is the sender_id written on assistant RTDB records.
	AssistantSender string
	Logger          *slog.Logger
}

// Manager executes the control-plane operations clients invoke over the
// WebSocket RPC channel and the callbacks workers post over HTTP.
type Manager struct {
	registry   *sessions.Registry
	store      rtdb.Client
	hub        Broadcaster
	approvals  *approvals.Broker
	listener   *listener.Engine
	workflow   *agent.Workflow
	worker     WorkerClient
	contexts   ContextStore
	tasks      TaskStore
	analyzer   DocumentAnalyzer
	metrics    *metrics.Metrics
	controller *StreamController
	counter    *agent.TokenCounter

	registries      map[models.ChatMode]*agent.Registry
	model           string
	assistantSender string
	logger          *slog.Logger

	// root outlives request contexts so streams survive the RPC that
	// started them; Close cancels it.
	root     context.Context
	stopRoot context.CancelFunc
}

// New validates the wiring and builds the per-mode tool registries.
func New(cfg Config) (*Manager, error) {
	switch {
	case cfg.Registry == nil:
		return nil, errors.New("manager: session registry is required")
	case cfg.Store == nil:
		return nil, errors.New("manager: rtdb store is required")
	case cfg.Hub == nil:
		return nil, errors.New("manager: hub is required")
	case cfg.Approvals == nil:
		return nil, errors.New("manager: approval broker is required")
	case cfg.Listener == nil:
		return nil, errors.New("manager: listener engine is required")
	case cfg.Workflow == nil:
		return nil, errors.New("manager: workflow is required")
	}
	if cfg.AssistantSender == "" {
		cfg.AssistantSender = "pinnokio_agent"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Counter == nil {
		cfg.Counter = agent.NewTokenCounter()
	}

	m := &Manager{
		registry:        cfg.Registry,
		store:           cfg.Store,
		hub:             cfg.Hub,
		approvals:       cfg.Approvals,
		listener:        cfg.Listener,
		workflow:        cfg.Workflow,
		worker:          cfg.Worker,
		contexts:        cfg.Contexts,
		tasks:           cfg.Tasks,
		analyzer:        cfg.Analyzer,
		metrics:         cfg.Metrics,
		controller:      NewStreamController(),
		counter:         cfg.Counter,
		model:           cfg.Model,
		assistantSender: cfg.AssistantSender,
		logger:          cfg.Logger,
	}
	m.root, m.stopRoot = context.WithCancel(context.Background())
	m.registries = m.buildRegistries()
	return m, nil
}

// Close cancels every in-flight stream. Terminal interrupted states are
// written by the workflow on its way out.
func (m *Manager) Close() {
	if n := m.controller.CancelAll(); n > 0 {
		m.logger.Info("cancelled in-flight streams on shutdown", "count", n)
	}
	m.stopRoot()
}

// Controller exposes the stream controller for tests and shutdown hooks.
func (m *Manager) Controller() *StreamController { return m.controller }

func streamSessionKey(userID, tenantID string) string {
	return userID + ":" + tenantID
}

// ---- result shapes -------------------------------------------------------

// InitializeSessionResult answers initialize_session.
type InitializeSessionResult struct {
	Success   bool   `json:"success"`
	SessionID string `json:"session_id"`
	Status    string `json:"status"` // created | refreshed
}

// EnterChatResult answers enter_chat.
type EnterChatResult struct {
	Success    bool `json:"success"`
	BrainReady bool `json:"brain_ready"`
}

// LeaveChatResult answers leave_chat.
type LeaveChatResult struct {
	Success       bool `json:"success"`
	WasOnChatPage bool `json:"was_on_chat_page"`
	WasOnThread   bool `json:"was_on_thread"`
}

// SendMessageResult answers send_message. Mode is "intermediation" when
// the message was relayed to a worker channel instead of the model.
type SendMessageResult struct {
	Success            bool   `json:"success"`
	AssistantMessageID string `json:"assistant_message_id,omitempty"`
	WSChannel          string `json:"ws_channel,omitempty"`
	Mode               string `json:"mode,omitempty"`
}

// LoadHistoryResult answers load_chat_history.
type LoadHistoryResult struct {
	Success           bool   `json:"success"`
	Status            string `json:"status"` // created | updated
	LoadedMessages    int    `json:"loaded_messages"`
	ActiveBrainsCount int    `json:"active_brains_count"`
}

// FlushResult answers flush_chat_history.
type FlushResult struct {
	Success        bool `json:"success"`
	ThreadsCleared int  `json:"threads_cleared"`
}

// StopStreamingResult answers stop_streaming.
type StopStreamingResult struct {
	Success      bool `json:"success"`
	StoppedCount int  `json:"stopped_count"`
}

// StartOnboardingResult answers start_onboarding_chat.
type StartOnboardingResult struct {
	Success            bool   `json:"success"`
	JobID              string `json:"job_id,omitempty"`
	LPTStatus          string `json:"lpt_status,omitempty"`
	JobAlreadyLaunched bool   `json:"job_already_launched"`
}

// StopOnboardingResult answers stop_onboarding_chat. HTTPStatus is the
// worker's response code, 0 when the request never went out.
type StopOnboardingResult struct {
	Success            bool   `json:"success"`
	HTTPStatus         int    `json:"http_status"`
	AssistantMessageID string `json:"assistant_message_id,omitempty"`
}

// CardResponseResult answers send_card_response. Mode reports which path
// consumed the click: "onboarding" (forwarded to the worker channel) or
// "approval" (resolved a pending approval card).
type CardResponseResult struct {
	Success bool   `json:"success"`
	Mode    string `json:"mode"`
}

// ApprovalResponseResult answers handle_approval_response.
type ApprovalResponseResult struct {
	Success bool `json:"success"`
}

// InvalidateContextResult answers invalidate_user_context.
type InvalidateContextResult struct {
	Success           bool   `json:"success"`
	Status            string `json:"status"` // invalidated | no_session
	BrainsInvalidated int    `json:"brains_invalidated"`
	RedisDeleted      bool   `json:"redis_deleted"`
}

// ---- session lifecycle ---------------------------------------------------

// InitializeSession creates or refreshes the (user, tenant) session. On a
// refresh the session's chat mode and job snapshot are brought up to date
// and live brains pick up a changed mode or stale context.
func (m *Manager) InitializeSession(ctx context.Context, userID, tenantID, clientUUID string, mode models.ChatMode) (InitializeSessionResult, error) {
	if userID == "" || tenantID == "" {
		return InitializeSessionResult{}, errors.New("user_id and tenant_id are required")
	}
	sess, status, err := m.registry.EnsureInitialized(ctx, userID, tenantID, clientUUID, mode)
	if err != nil {
		return InitializeSessionResult{}, err
	}
	if status == sessions.StatusCreated {
		m.metrics.SessionOpened()
	}
	m.propagateMode(sess)
	return InitializeSessionResult{Success: true, SessionID: sess.SessionID, Status: status}, nil
}

// InvalidateUserContext drops the cached tenant context and marks live
// brains stale; their next run recomposes the system prompt from fresh
// context.
func (m *Manager) InvalidateUserContext(ctx context.Context, userID, tenantID string) (InvalidateContextResult, error) {
	res, err := m.registry.InvalidateContext(ctx, userID, tenantID)
	if err != nil {
		return InvalidateContextResult{}, err
	}
	status := "no_session"
	if res.SessionFound {
		status = "invalidated"
	}
	return InvalidateContextResult{
		Success:           true,
		Status:            status,
		BrainsInvalidated: res.BrainsMarked,
		RedisDeleted:      res.RedisDeleted,
	}, nil
}

// ---- chat lifecycle ------------------------------------------------------

// EnterChat marks presence on a thread and guarantees its brain exists,
// loading persisted history on first touch. Onboarding-like modes also
// attach the worker-channel listener and replay a pending card if the
// job is still waiting on one.
func (m *Manager) EnterChat(ctx context.Context, userID, tenantID, threadKey string, mode models.ChatMode) (EnterChatResult, error) {
	if threadKey == "" {
		return EnterChatResult{}, errors.New("thread_key is required")
	}
	sess, _, err := m.registry.EnsureInitialized(ctx, userID, tenantID, "", mode)
	if err != nil {
		return EnterChatResult{}, err
	}
	sess.EnterChat(threadKey)

	brain, _, err := m.ensureBrain(ctx, sess, threadKey, m.effectiveMode(sess, mode))
	if err != nil {
		return EnterChatResult{}, err
	}
	if brain.Mode().OnboardingLike() {
		m.attachJobListener(ctx, sess, threadKey, "")
	}
	return EnterChatResult{Success: true, BrainReady: true}, nil
}

// LeaveChat clears presence for a thread. The brain stays warm; only an
// explicit flush drops it.
func (m *Manager) LeaveChat(userID, tenantID, threadKey string) (LeaveChatResult, error) {
	sess, err := m.registry.Initialized(userID, tenantID)
	if err != nil {
		return LeaveChatResult{}, err
	}
	wasOnPage, wasOnThread := sess.LeaveChat(threadKey)
	return LeaveChatResult{Success: true, WasOnChatPage: wasOnPage, WasOnThread: wasOnThread}, nil
}

// LoadChatHistory replaces a thread's brain history with client-supplied
// messages, creating the brain if needed. Used when the client holds a
// fresher transcript than RTDB, or to warm a brain ahead of send_message.
func (m *Manager) LoadChatHistory(ctx context.Context, userID, tenantID, threadKey string, entries []HistoryEntry, mode models.ChatMode) (LoadHistoryResult, error) {
	if threadKey == "" {
		return LoadHistoryResult{}, errors.New("thread_key is required")
	}
	sess, _, err := m.registry.EnsureInitialized(ctx, userID, tenantID, "", mode)
	if err != nil {
		return LoadHistoryResult{}, err
	}

	history := make([]models.Message, 0, len(entries))
	for _, e := range entries {
		text := strings.TrimSpace(e.Content)
		if text == "" {
			continue
		}
		role := models.RoleUser
		if e.Role == "assistant" {
			role = models.RoleAssistant
		}
		history = append(history, models.NewTextMessage(role, text))
	}

	status := "updated"
	effective := m.effectiveMode(sess, mode)

	lock := sess.BrainLock(threadKey)
	lock.Lock()
	brain, ok := sess.Brain(threadKey)
	if !ok {
		brain = m.newBrain(sess, threadKey, effective)
		sess.PutBrain(threadKey, brain)
		m.metrics.BrainCreated()
		status = "created"
	}
	brain.LoadHistory(history)
	lock.Unlock()

	if ok {
		m.applyMode(sess, brain, mode)
	}
	if brain.Mode().OnboardingLike() {
		m.attachJobListener(ctx, sess, threadKey, "")
	}
	return LoadHistoryResult{
		Success:           true,
		Status:            status,
		LoadedMessages:    len(history),
		ActiveBrainsCount: sess.BrainCount(),
	}, nil
}

// FlushChatHistory drops brains and detaches listeners for one thread or,
// with an empty threadKey, for the whole session. In-flight streams on
// the flushed threads are cancelled first.
func (m *Manager) FlushChatHistory(userID, tenantID, threadKey string) (FlushResult, error) {
	sess, err := m.registry.Initialized(userID, tenantID)
	if err != nil {
		return FlushResult{}, err
	}
	m.controller.Cancel(streamSessionKey(userID, tenantID), threadKey)

	cleared := 0
	if threadKey == "" {
		cleared = sess.FlushAll()
	} else if sess.FlushThread(threadKey) {
		cleared = 1
	}
	m.metrics.BrainsDropped(cleared)
	return FlushResult{Success: true, ThreadsCleared: cleared}, nil
}

// StopStreaming cancels the active run on a thread, or every run of the
// session when threadKey is empty. The workflow preserves partial text as
// an interrupted message.
func (m *Manager) StopStreaming(userID, tenantID, threadKey string) (StopStreamingResult, error) {
	stopped := m.controller.Cancel(streamSessionKey(userID, tenantID), threadKey)
	return StopStreamingResult{Success: true, StoppedCount: stopped}, nil
}

// ---- messaging -----------------------------------------------------------

// SendMessage routes one user message. Threads in intermediation relay to
// the worker channel; otherwise the message starts a workflow run whose
// assistant message streams over the thread's WS channel.
func (m *Manager) SendMessage(ctx context.Context, userID, tenantID, threadKey, message string, mode models.ChatMode, systemPrompt, selectedTool string) (SendMessageResult, error) {
	if threadKey == "" {
		return SendMessageResult{}, errors.New("thread_key is required")
	}
	if strings.TrimSpace(message) == "" {
		return SendMessageResult{}, errors.New("message is empty")
	}
	sess, _, err := m.registry.EnsureInitialized(ctx, userID, tenantID, "", mode)
	if err != nil {
		return SendMessageResult{}, err
	}

	if sess.IntermediationActive(threadKey) {
		if _, err := m.listener.RelayUserMessage(ctx, sess, threadKey, message); err != nil {
			return SendMessageResult{}, fmt.Errorf("relay to worker channel: %w", err)
		}
		return SendMessageResult{Success: true, Mode: "intermediation"}, nil
	}

	brain, _, err := m.ensureBrain(ctx, sess, threadKey, m.effectiveMode(sess, mode))
	if err != nil {
		return SendMessageResult{}, err
	}
	m.applyMode(sess, brain, mode)

	runCtx, done, err := m.controller.Register(m.root, streamSessionKey(userID, tenantID), threadKey)
	if err != nil {
		return SendMessageResult{}, err
	}

	messageID := uuid.NewString()
	streaming := sess.IsUserOnThread(threadKey)
	rec := m.newRecorder(tenantID, brain.Mode(), threadKey, messageID)
	if err := rec.Placeholder(ctx, placeholderStatus(streaming)); err != nil {
		done()
		return SendMessageResult{}, fmt.Errorf("write placeholder: %w", err)
	}

	in := agent.RunInput{
		Brain:              brain,
		Content:            message,
		AssistantMessageID: messageID,
		EnableStreaming:    streaming,
		SystemPrompt:       systemPrompt,
		ForceTool:          selectedTool,
		Sink:               m.newSink(userID, tenantID, threadKey),
		Recorder:           rec,
	}
	go m.runStream(runCtx, done, brain, in)

	return SendMessageResult{
		Success:            true,
		AssistantMessageID: messageID,
		WSChannel:          models.ChatChannel(userID, tenantID, threadKey),
	}, nil
}

// SendCardResponse consumes a card click. Clicks on worker cards in
// onboarding-like threads forward to the job channel; everything else
// resolves a pending approval.
func (m *Manager) SendCardResponse(ctx context.Context, userID, tenantID, threadKey, cardName, cardMessageID, action, userMessage string) (CardResponseResult, error) {
	if sess, err := m.registry.Initialized(userID, tenantID); err == nil {
		if _, ok := sess.Listener(threadKey); ok && sess.ChatMode().OnboardingLike() {
			if err := m.listener.ForwardCardClick(ctx, sess, threadKey, cardName, cardMessageID, action, userMessage); err != nil {
				return CardResponseResult{}, err
			}
			return CardResponseResult{Success: true, Mode: "onboarding"}, nil
		}
	}
	if err := m.approvals.Resolve(userID, threadKey, cardMessageID, action, userMessage); err != nil {
		return CardResponseResult{}, err
	}
	return CardResponseResult{Success: true, Mode: "approval"}, nil
}

// HandleApprovalResponse resolves a pending plan approval by id.
func (m *Manager) HandleApprovalResponse(userID, threadKey, planID string, approved bool, comment string) (ApprovalResponseResult, error) {
	action := "reject"
	if approved {
		action = "approve"
	}
	if err := m.approvals.Resolve(userID, threadKey, planID, action, comment); err != nil {
		return ApprovalResponseResult{}, err
	}
	return ApprovalResponseResult{Success: true}, nil
}

// HistoryEntry is one client-supplied transcript message.
type HistoryEntry struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ---- internals -----------------------------------------------------------

func placeholderStatus(streaming bool) string {
	if streaming {
		return statusStreaming
	}
	return statusThinking
}

// runStream owns one workflow run from the controller's perspective.
func (m *Manager) runStream(ctx context.Context, done func(), brain *agent.Brain, in agent.RunInput) {
	defer done()

	mode := string(brain.Mode())
	m.metrics.StreamStarted(mode)
	start := time.Now()

	res, err := m.workflow.Run(ctx, in)

	status := "completed"
	switch {
	case res != nil && res.Interrupted:
		status = "interrupted"
	case err != nil:
		status = "error"
	}
	m.metrics.StreamFinished(mode, status, time.Since(start).Seconds())
	if res != nil && res.Summarized {
		m.metrics.RecordSummarization()
	}

	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, ErrStreamStopped) {
		m.logger.Error("workflow run failed",
			"user_id", brain.UserID,
			"thread_key", brain.ThreadKey,
			"message_id", in.AssistantMessageID,
			"error", err)
	}
}

// effectiveMode picks the mode a brain should run in: an explicit valid
// request wins, then the session's current mode, then general chat.
func (m *Manager) effectiveMode(sess *sessions.Session, requested models.ChatMode) models.ChatMode {
	if requested.Valid() {
		return requested
	}
	if mode := sess.ChatMode(); mode.Valid() {
		return mode
	}
	return models.ModeGeneral
}

func (m *Manager) registryFor(mode models.ChatMode) *agent.Registry {
	if r, ok := m.registries[mode]; ok {
		return r
	}
	return m.registries[models.ModeGeneral]
}

// newBrain builds a brain without history. Callers hold the thread's
// brain lock.
func (m *Manager) newBrain(sess *sessions.Session, threadKey string, mode models.ChatMode) *agent.Brain {
	b := agent.NewBrain(agent.BrainConfig{
		UserID:     sess.UserID,
		TenantID:   sess.TenantID,
		ThreadKey:  threadKey,
		Mode:       mode,
		BasePrompt: m.basePrompt(sess, mode),
		Registry:   m.registryFor(mode),
		Counter:    m.counter,
		Model:      m.model,
	})
	if _, jm := sess.Jobs(); jm.Total > 0 {
		b.SetSystemLog("jobs_metrics", sessions.JobsMetricsSection(jm))
	}
	return b
}

// ensureBrain returns the thread's brain, creating it from persisted RTDB
// history on first touch. Creation is serialized per thread so concurrent
// enter_chat and send_message build exactly one brain.
func (m *Manager) ensureBrain(ctx context.Context, sess *sessions.Session, threadKey string, mode models.ChatMode) (*agent.Brain, bool, error) {
	if b, ok := sess.Brain(threadKey); ok {
		return b, false, nil
	}

	lock := sess.BrainLock(threadKey)
	lock.Lock()
	defer lock.Unlock()
	if b, ok := sess.Brain(threadKey); ok {
		return b, false, nil
	}

	history, err := m.historyFromRTDB(ctx, sess.TenantID, mode.Container(), threadKey)
	if err != nil {
		// A brain with empty history beats no brain; the transcript is
		// still in RTDB for the client.
		m.logger.Warn("load thread history",
			"tenant_id", sess.TenantID, "thread_key", threadKey, "error", err)
	}

	b := m.newBrain(sess, threadKey, mode)
	if len(history) > 0 {
		b.LoadHistory(history)
	}
	sess.PutBrain(threadKey, b)
	m.metrics.BrainCreated()
	m.logger.Info("brain created",
		"user_id", sess.UserID, "thread_key", threadKey,
		"mode", string(mode), "history", len(history))
	return b, true, nil
}

// applyMode switches a live brain's mode, prompt, and tool set when the
// request names a different valid mode, and refreshes the prompt when the
// tenant context was invalidated since the last run.
func (m *Manager) applyMode(sess *sessions.Session, brain *agent.Brain, requested models.ChatMode) {
	stale := brain.ConsumeContextStale()
	target := brain.Mode()
	if requested.Valid() && requested != target {
		target = requested
	}
	if !stale && target == brain.Mode() {
		return
	}
	brain.SetMode(target, m.basePrompt(sess, target), m.registryFor(target))
}

// propagateMode pushes the session's refreshed mode and context into live
// brains. Task-execution brains keep their bound prompt.
func (m *Manager) propagateMode(sess *sessions.Session) {
	mode := sess.ChatMode()
	sess.ForEachBrain(func(threadKey string, b *agent.Brain) {
		if strings.HasPrefix(threadKey, taskThreadPrefix) {
			return
		}
		target := mode
		if !target.Valid() {
			target = b.Mode()
		}
		if !b.ConsumeContextStale() && target == b.Mode() {
			return
		}
		b.SetMode(target, m.basePrompt(sess, target), m.registryFor(target))
	})
}

// historyFromRTDB reads a thread's persisted messages and converts them to
// model history, oldest first. Cards, commands, and worker chatter are not
// part of the model conversation.
func (m *Manager) historyFromRTDB(ctx context.Context, tenantID, container, threadKey string) ([]models.Message, error) {
	raw, err := m.store.Get(ctx, rtdb.ThreadMessagesPath(tenantID, container, threadKey))
	if err != nil {
		return nil, err
	}
	node, ok := raw.(map[string]any)
	if !ok || len(node) == 0 {
		return nil, nil
	}

	records := make([]models.RTDBMessage, 0, len(node))
	for id, v := range node {
		msg, err := models.DecodeRTDBMessage(id, v)
		if err != nil {
			continue
		}
		switch msg.MessageType {
		case "", models.TypeMessage, models.TypeMessagePinnokio:
		default:
			continue
		}
		if strings.TrimSpace(msg.Text()) == "" {
			continue
		}
		records = append(records, msg)
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Timestamp < records[j].Timestamp
	})

	history := make([]models.Message, 0, len(records))
	for _, r := range records {
		role := models.RoleUser
		if r.SenderID == m.assistantSender || r.SenderID == models.SenderPinnokio {
			role = models.RoleAssistant
		}
		history = append(history, models.NewTextMessage(role, r.Text()))
	}
	return history, nil
}

// attachJobListener installs the worker-channel listener for the thread's
// job and replays a pending intermediation card when the job is still
// waiting on one. Best effort: a thread without a job has no channel.
func (m *Manager) attachJobListener(ctx context.Context, sess *sessions.Session, threadKey, jobID string) {
	jobStatus := ""
	if job, ok := sess.JobByThread(threadKey); ok {
		if jobID == "" {
			jobID = job.JobID
		}
		jobStatus = job.Status
	}
	if jobID == "" {
		return
	}
	if _, err := m.listener.Install(sess, threadKey, jobID); err != nil {
		m.logger.Warn("install job listener",
			"thread_key", threadKey, "job_id", jobID, "error", err)
		return
	}
	if _, err := m.listener.CheckIntermediationOnLoad(ctx, sess, threadKey, jobID, jobStatus); err != nil {
		m.logger.Warn("check intermediation on load",
			"thread_key", threadKey, "job_id", jobID, "error", err)
	}
}

// announceAssistant writes a complete assistant message outside any
// workflow run, streaming it as a single chunk when the user is watching.
func (m *Manager) announceAssistant(ctx context.Context, sess *sessions.Session, threadKey string, mode models.ChatMode, text string) (string, error) {
	messageID := uuid.NewString()
	streaming := sess.IsUserOnThread(threadKey)

	rec := m.newRecorder(sess.TenantID, mode, threadKey, messageID)
	if err := rec.Placeholder(ctx, placeholderStatus(streaming)); err != nil {
		return "", err
	}
	if streaming {
		sink := m.newSink(sess.UserID, sess.TenantID, threadKey)
		sink.Event(models.EventStreamStart, map[string]any{"message_id": messageID})
		sink.Event(models.EventStreamDelta, map[string]any{"message_id": messageID, "chunk": text})
		sink.Event(models.EventStreamEnd, map[string]any{"message_id": messageID, "turns": 0})
	}
	if err := rec.Finalize(ctx, text, agent.RunMeta{}); err != nil {
		return "", err
	}
	if brain, ok := sess.Brain(threadKey); ok {
		brain.AppendAssistantText(text)
	}
	return messageID, nil
}
