package hooks

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"github.com/osacore/osa/internal/toolschema"
	"github.com/osacore/osa/pkg/models"
)

// ToolCallPayload is the pre_tool_use / post_tool_use payload shape.
type ToolCallPayload struct {
	SessionID string
	Name      string
	Schema    json.RawMessage
	Args      json.RawMessage
}

// ResponsePayload is the pre_response payload shape.
type ResponsePayload struct {
	SessionID string
	Signal    models.Signal
	Mode      models.Mode
}

// RegisterInputSanitizer installs the required input-sanitizer hook:
// Unicode NFC normalization plus control-character stripping on
// inbound text, via golang.org/x/text/unicode/norm rather than a
// hand-rolled stdlib pass.
func RegisterInputSanitizer(p *Pipeline) {
	p.Register(PreResponse, "input_sanitizer", int(PriorityHighest), func(ctx context.Context, payload any) Result {
		text, ok := payload.(string)
		if !ok {
			return Skip()
		}
		return OK(sanitize(text))
	})
}

func sanitize(text string) string {
	normalized := norm.NFC.String(text)
	var sb strings.Builder
	sb.Grow(len(normalized))
	for _, r := range normalized {
		if unicode.IsControl(r) && r != '\n' && r != '\t' {
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// ToolLookup resolves a tool's declared parameter schema, satisfied by
// toolregistry.Registry.
type ToolLookup interface {
	Schema(name string) (json.RawMessage, bool)
}

// RegisterToolIntegrityCheck installs the required tool-call integrity
// hook: the name must resolve in the registry and the arguments must
// validate against the tool's parameter schema.
func RegisterToolIntegrityCheck(p *Pipeline, tools ToolLookup, validator *toolschema.Validator) {
	p.Register(PreToolUse, "tool_call_integrity", int(PriorityHigh), func(ctx context.Context, payload any) Result {
		call, ok := payload.(ToolCallPayload)
		if !ok {
			return Skip()
		}

		schema, found := tools.Schema(call.Name)
		if !found {
			return Block(fmt.Sprintf("unknown tool %q", call.Name))
		}

		if err := validator.Validate(call.Name, schema, call.Args); err != nil {
			return Block(err.Error())
		}
		return OK(call)
	})
}

// PlanGateConfig controls when the plan-gate hook forces plan mode.
type PlanGateConfig struct {
	WeightThreshold float64
	Modes           []models.Mode
}

// DefaultPlanGateConfig gates BUILD, EXECUTE, and MAINTAIN modes at a
// weight of 0.6 (the noise filter's own "signal" threshold, so
// plan-gating only engages once a message has already cleared the
// noise floor).
func DefaultPlanGateConfig() PlanGateConfig {
	return PlanGateConfig{WeightThreshold: 0.6, Modes: []models.Mode{models.ModeBuild, models.ModeExecute, models.ModeMaintain}}
}

// PlanRequired is the Reason a Block carries when the plan-gate fires;
// the agent loop distinguishes this from a genuine block and enters
// plan mode instead of aborting.
const PlanRequired = "plan_required"

// RegisterPlanGate installs the plan-gate hook: for signals above cfg's
// weight threshold in one of cfg's modes, it blocks with reason
// PlanRequired so the agent loop substitutes one plan-producing
// provider call for the normal iteration.
func RegisterPlanGate(p *Pipeline, cfg PlanGateConfig) {
	p.Register(PreResponse, "plan_gate", int(PriorityLow), func(ctx context.Context, payload any) Result {
		resp, ok := payload.(ResponsePayload)
		if !ok {
			return Skip()
		}
		if resp.Signal.Weight < cfg.WeightThreshold {
			return OK(resp)
		}
		for _, m := range cfg.Modes {
			if resp.Mode == m {
				return Block(PlanRequired)
			}
		}
		return OK(resp)
	})
}
