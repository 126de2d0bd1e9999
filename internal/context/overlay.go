package context

import (
	"fmt"

	"github.com/osacore/osa/pkg/models"
)

// fixedRules are the rules every Tier 1 block must carry regardless of
// signal, verbatim across every implementation.
const fixedRules = `Do not lead with a preamble restating the request.
For simple answers, respond in fewer than 4 lines.
Use the dedicated tools provided, not shell equivalents.
Do not add features or capabilities beyond what was asked.`

// modeGuidance maps a classified Mode to its Tier 1 guidance sentence.
func modeGuidance(mode models.Mode) string {
	switch mode {
	case models.ModeExecute:
		return "Be concise and action-oriented."
	case models.ModeAnalyze:
		return "Be thorough and show your reasoning."
	case models.ModeBuild:
		return "Produce artifacts."
	case models.ModeAssist:
		return "Explain clearly."
	case models.ModeMaintain:
		return "Diagnose and fix."
	default:
		return ""
	}
}

// weightGuidance maps a Signal's weight to its Tier 1 priority hint.
func weightGuidance(weight float64) string {
	switch {
	case weight >= 0.8:
		return "This request is highest priority; give it full attention."
	case weight < 0.4:
		return "Keep the response brief."
	default:
		return ""
	}
}

// SignalOverlay renders the Tier 1 signal-overlay block from a
// classified Signal.
func SignalOverlay(sig models.Signal) Block {
	var body string
	if g := modeGuidance(sig.Mode); g != "" {
		body += g + "\n"
	}
	if g := weightGuidance(sig.Weight); g != "" {
		body += g + "\n"
	}
	body += fixedRules

	return Block{Tier: Tier1Critical, Name: "signal_overlay", Content: body}
}

// RuntimeBlock renders the Tier 1 runtime-facts block (timestamp,
// channel, session, working directory, git state, OS, model).
type RuntimeFacts struct {
	Timestamp      string
	Channel        models.ChannelType
	SessionID      string
	WorkingDir     string
	GitBranch      string
	GitModified    []string
	GitRecentLog   []string
	OS             string
	ProviderModel  string
}

func RuntimeBlock(f RuntimeFacts) Block {
	content := fmt.Sprintf(
		"time=%s channel=%s session=%s cwd=%s os=%s model=%s\ngit: branch=%s modified=%d recent_commits=%d",
		f.Timestamp, f.Channel, f.SessionID, f.WorkingDir, f.OS, f.ProviderModel,
		f.GitBranch, len(f.GitModified), len(f.GitRecentLog),
	)
	return Block{Tier: Tier1Critical, Name: "runtime", Content: content}
}

// IdentityBlock renders the static identity/soul block.
func IdentityBlock(identity, soul string) Block {
	return Block{Tier: Tier1Critical, Name: "identity", Content: identity + "\n" + soul}
}
