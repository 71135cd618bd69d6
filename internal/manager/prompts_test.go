package manager

import (
	"strings"
	"testing"

	"github.com/pinnokio/brain/pkg/models"
)

func TestBasePromptCarriesTenantFacts(t *testing.T) {
	env := newEnv(t)
	env.profiles.language = "de-CH"
	env.profiles.timezone = "Europe/Zurich"
	env.initSession(t, models.ModeGeneral)

	prompt := env.m.basePrompt(env.session(t), models.ModeGeneral)
	for _, want := range []string{
		"Company: Acme GmbH",
		"Mandate path: mandates/acme",
		"Timezone: Europe/Zurich",
		"Answer in: de-CH",
	} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
	if strings.HasSuffix(prompt, "\n") {
		t.Error("prompt carries a trailing newline")
	}
}

func TestPromptBodyPerMode(t *testing.T) {
	if !strings.Contains(promptBody(models.ModeTask), "CREATE_CHECKLIST") {
		t.Error("task prompt does not mandate the checklist")
	}
	if !strings.Contains(promptBody(models.ModeOnboarding), "SUBMIT_WAITING_RESPONSE") {
		t.Error("onboarding prompt does not name the waiting-response tool")
	}
	if promptBody(models.ModeAPBookkeeper) != promptBody(models.ModeBanker) {
		t.Error("intermediation modes should share one prompt body")
	}
	if promptBody(models.ChatMode("unknown")) != promptGeneral {
		t.Error("unknown modes should fall back to the general prompt")
	}
}
