package agent

import (
	"strings"

	"github.com/haivemind/haivemind/pkg/models"
)

// defaultTierModels maps cost tiers to concrete model names handed to
// the backend. Projects can override per-label with pinned models.
var defaultTierModels = map[models.Tier]string{
	models.TierT0: "claude-haiku",
	models.TierT1: "claude-sonnet",
	models.TierT2: "claude-sonnet",
	models.TierT3: "claude-opus",
}

// modelChoice is the resolved model for one attempt.
type modelChoice struct {
	Tier       models.Tier
	Model      string
	Multiplier float64
	Pinned     bool
}

// resolveModel picks the tier for the retry index from the project's
// escalation chain, then applies pinned-model overrides by label
// substring match. A pin changes the model but keeps the tier's cost
// multiplier, since pins are about capability fit, not price.
func resolveModel(project *models.Project, task *models.Task, retryIndex int) modelChoice {
	chain := models.DefaultEscalationChain()
	var pinned map[string]string
	if project != nil {
		chain = project.EscalationChain()
		pinned = project.Settings.PinnedModels
	}

	tier := models.TierForRetry(chain, retryIndex)
	choice := modelChoice{
		Tier:       tier,
		Model:      defaultTierModels[tier],
		Multiplier: tier.Multiplier(),
	}

	label := strings.ToLower(task.Label)
	for substr, model := range pinned {
		if substr != "" && strings.Contains(label, strings.ToLower(substr)) {
			choice.Model = model
			choice.Pinned = true
			break
		}
	}
	return choice
}
