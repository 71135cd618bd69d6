package manager

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/pinnokio/brain/internal/listener"
	"github.com/pinnokio/brain/internal/sessions"
	"github.com/pinnokio/brain/pkg/models"
)

// StartOnboardingChat enters the thread in onboarding mode and launches
// the backend onboarding job unless one is already attached. Idempotent:
// re-entering a thread with a live job or existing conversation reports
// JobAlreadyLaunched instead of launching twice.
func (m *Manager) StartOnboardingChat(ctx context.Context, userID, tenantID, threadKey string) (StartOnboardingResult, error) {
	if threadKey == "" {
		return StartOnboardingResult{}, errors.New("thread_key is required")
	}
	sess, _, err := m.registry.EnsureInitialized(ctx, userID, tenantID, "", models.ModeOnboarding)
	if err != nil {
		return StartOnboardingResult{}, err
	}
	sess.EnterChat(threadKey)

	brain, _, err := m.ensureBrain(ctx, sess, threadKey, models.ModeOnboarding)
	if err != nil {
		return StartOnboardingResult{}, err
	}
	m.applyMode(sess, brain, models.ModeOnboarding)

	res := StartOnboardingResult{Success: true}
	if job, ok := sess.JobByThread(threadKey); ok && jobAlive(job.Status) {
		res.JobID = job.JobID
		res.LPTStatus = job.Status
		res.JobAlreadyLaunched = true
	} else if brain.HistoryLen() > 0 {
		// A thread with conversation but no visible job record: the job
		// finished or the snapshot lags. Either way, do not relaunch.
		res.JobAlreadyLaunched = true
	} else {
		if m.worker == nil {
			return StartOnboardingResult{}, errors.New("worker client is not configured")
		}
		mandate := ""
		if uc := sess.UserContext(); uc != nil {
			mandate = uc.MandatePath
		}
		launch, err := m.worker.LaunchOnboardingJob(ctx, LaunchRequest{
			UserID:      userID,
			TenantID:    tenantID,
			ThreadKey:   threadKey,
			MandatePath: mandate,
		})
		if err != nil {
			return StartOnboardingResult{}, fmt.Errorf("launch onboarding job: %w", err)
		}
		res.JobID = launch.JobID
		res.LPTStatus = launch.Status

		if _, err := m.announceAssistant(ctx, sess, threadKey, models.ModeOnboarding, onboardingWelcome(sess)); err != nil {
			m.logger.Warn("write onboarding welcome", "thread_key", threadKey, "error", err)
		}
	}

	if res.JobID != "" {
		m.attachJobListener(ctx, sess, threadKey, res.JobID)
	}
	return res, nil
}

// StopOnboardingChat asks the worker to stop the thread's job(s). The
// outcome is announced as an assistant message whether or not the worker
// answered, so the thread always records what was attempted.
func (m *Manager) StopOnboardingChat(ctx context.Context, userID, tenantID, threadKey string, jobIDs []string, mandatePath string) (StopOnboardingResult, error) {
	sess, err := m.registry.Initialized(userID, tenantID)
	if err != nil {
		return StopOnboardingResult{}, err
	}
	if m.worker == nil {
		return StopOnboardingResult{}, errors.New("worker client is not configured")
	}
	if mandatePath == "" {
		if uc := sess.UserContext(); uc != nil {
			mandatePath = uc.MandatePath
		}
	}
	if mandatePath == "" {
		return StopOnboardingResult{}, errors.New("mandate_path is required")
	}
	if len(jobIDs) == 0 {
		if job, ok := sess.JobByThread(threadKey); ok {
			jobIDs = []string{job.JobID}
		}
	}
	if len(jobIDs) == 0 {
		return StopOnboardingResult{}, fmt.Errorf("no job attached to thread %s", threadKey)
	}

	httpStatus, stopErr := m.worker.StopOnboarding(ctx, StopRequest{
		JobID:        jobIDs[0],
		JobIDs:       jobIDs,
		MandatesPath: mandatePath,
	})
	if stopErr != nil {
		m.logger.Error("stop onboarding job",
			"thread_key", threadKey, "job_ids", strings.Join(jobIDs, ","),
			"http_status", httpStatus, "error", stopErr)
	}

	if m.listener.StopIntermediation(sess, threadKey, listener.ReasonUserAction) {
		m.logger.Info("intermediation closed by stop request", "thread_key", threadKey)
	}

	mode := sess.ChatMode()
	if !mode.OnboardingLike() {
		mode = models.ModeOnboarding
	}
	messageID, annErr := m.announceAssistant(ctx, sess, threadKey, mode, stopAnnouncement(sess, stopErr == nil))
	if annErr != nil {
		m.logger.Warn("write stop announcement", "thread_key", threadKey, "error", annErr)
	}

	return StopOnboardingResult{
		Success:            stopErr == nil,
		HTTPStatus:         httpStatus,
		AssistantMessageID: messageID,
	}, stopErr
}

func jobAlive(status string) bool {
	return status == models.JobStatusRunning || status == models.JobStatusQueued
}

func onboardingWelcome(sess *sessions.Session) string {
	if sessionPrefersFrench(sess) {
		return "L'onboarding est lancé. Je vous tiens au courant de la progression ici; posez vos questions à tout moment."
	}
	return "Onboarding has started. I will keep you posted on its progress here; ask me anything along the way."
}

func stopAnnouncement(sess *sessions.Session, ok bool) string {
	french := sessionPrefersFrench(sess)
	if ok {
		if french {
			return "L'arrêt de l'onboarding a été demandé. Le traitement en cours se termine proprement."
		}
		return "The onboarding stop was requested. The running job is shutting down cleanly."
	}
	if french {
		return "La demande d'arrêt de l'onboarding a échoué. Le traitement continue; réessayez dans un instant."
	}
	return "The onboarding stop request failed. The job keeps running; please try again shortly."
}

func sessionPrefersFrench(sess *sessions.Session) bool {
	uc := sess.UserContext()
	return uc != nil && strings.HasPrefix(strings.ToLower(uc.Language), "fr")
}
