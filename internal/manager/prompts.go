package manager

import (
	"fmt"
	"strings"

	"github.com/pinnokio/brain/internal/sessions"
	"github.com/pinnokio/brain/pkg/models"
)

// Per-mode prompt bodies. basePrompt appends the tenant facts section so
// every mode shares one source of truth for identity.
const (
	promptGeneral = `You are Pinnokio, the operations assistant for this company's back office.
Help the user with accounting, document, and workflow questions. Use your
tools to inspect running jobs, read service context, schedule recurring
tasks, and update tenant configuration when the user asks for it. When a
request is out of scope, say so plainly instead of guessing.`

	promptOnboarding = `You are Pinnokio, guiding the user through service onboarding.
A backend onboarding job runs alongside this conversation and reports its
progress in the background activity section below. Explain what the job is
doing, answer questions about remaining steps, and when the job asks for
input use SUBMIT_WAITING_RESPONSE to pass the answer back to it.`

	promptIntermediation = `You are Pinnokio, supervising an automated workflow on this thread.
A worker application drives the conversation and the user answers its
cards. Keep your own commentary short, relay the user's intent faithfully,
and let the worker's cards carry the decisions.`

	promptTask = `You are Pinnokio executing a scheduled task without user supervision.
Work strictly from the mission and execution plan in the active task
section. Call CREATE_CHECKLIST before anything else, advance it with
UPDATE_STEP as steps finish, and end with TERMINATE_TASK carrying an
honest conclusion. Never wait for user input; when a step cannot be
completed, mark it failed and move on.`
)

func promptBody(mode models.ChatMode) string {
	switch mode {
	case models.ModeOnboarding:
		return promptOnboarding
	case models.ModeAPBookkeeper, models.ModeRouter, models.ModeBanker:
		return promptIntermediation
	case models.ModeTask:
		return promptTask
	default:
		return promptGeneral
	}
}

// basePrompt renders the standing system prompt for a mode: the mode body
// plus the tenant facts resolved at session initialization.
func (m *Manager) basePrompt(sess *sessions.Session, mode models.ChatMode) string {
	var sb strings.Builder
	sb.WriteString(promptBody(mode))

	uc := sess.UserContext()
	if uc == nil {
		return sb.String()
	}
	sb.WriteString("\n\n## Tenant\n")
	if uc.CompanyName != "" {
		fmt.Fprintf(&sb, "Company: %s\n", uc.CompanyName)
	}
	if uc.MandatePath != "" {
		fmt.Fprintf(&sb, "Mandate path: %s\n", uc.MandatePath)
	}
	if uc.Timezone != "" {
		fmt.Fprintf(&sb, "Timezone: %s\n", uc.Timezone)
	}
	if uc.Language != "" {
		fmt.Fprintf(&sb, "Answer in: %s\n", uc.Language)
	}
	if uc.DMSKind != "" {
		fmt.Fprintf(&sb, "Document store: %s\n", uc.DMSKind)
	}
	return strings.TrimRight(sb.String(), "\n")
}
