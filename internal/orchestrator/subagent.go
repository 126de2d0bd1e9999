package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/osacore/osa/internal/agentloop"
	"github.com/osacore/osa/internal/toolregistry"
	"github.com/osacore/osa/pkg/models"
)

// filteredTools returns a new registry exposing only the descriptors
// named in names, so a sub-agent worker sees exactly its declared
// tools_needed and nothing else. Unknown names are skipped rather than
// erroring, since a sub-task's tool list comes from an LLM
// decomposition and must never block execution.
func filteredTools(full *toolregistry.Registry, names []string) *toolregistry.Registry {
	out := toolregistry.New()
	if full == nil {
		return out
	}
	for _, name := range names {
		if d, ok := full.Get(strings.TrimSpace(name)); ok {
			out.Register(d)
		}
	}
	return out
}

// runSubAgent executes one SubTask as a miniature agent loop: a
// role-specific system prompt folded into the task message, a tool set
// filtered to tools_needed, and the concatenated results of its
// declared dependencies as prior context.
//
// Re-entrance hazard: the worker never calls back into the parent's
// own toolregistry.Registry while the parent holds any lock over it —
// each sub-agent gets its own isolated session key, so
// Loop.lockSession's per-session mutex never contends with the
// orchestrating caller, and tool dispatch goes through
// toolregistry.Registry.Execute, which does not hold its lock across
// the handler call.
func (o *Orchestrator) runSubAgent(ctx context.Context, task *Task, st SubTask, priorResults map[string]string) (string, error) {
	subSessionID := fmt.Sprintf("orchestrator:%s:%s", task.TaskID, st.Name)

	loop := agentloop.New(o.cfg.SubAgentConfig, o.logger)
	loop.Sessions = o.sessions
	loop.Registry = o.registry
	loop.Tools = filteredTools(o.tools, st.ToolsNeeded)
	loop.Hooks = o.hooks
	loop.Bus = o.bus
	loop.Compactor = o.compactor
	loop.Assembler = o.assembler

	if o.sessions != nil {
		if _, err := o.sessions.GetOrCreate(ctx, subSessionID, st.Role, models.ChannelCLI, task.TaskID); err != nil {
			return "", fmt.Errorf("create sub-agent session: %w", err)
		}
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("You are the %q specialist on a larger task.\n", st.Role))
	sb.WriteString("Task: " + st.Description + "\n")
	if len(priorResults) > 0 {
		sb.WriteString("\nResults from prerequisite sub-tasks:\n")
		for _, dep := range st.DependsOn {
			if text, ok := priorResults[dep]; ok {
				sb.WriteString(fmt.Sprintf("- %s: %s\n", dep, text))
			}
		}
	}
	sb.WriteString("\nOriginal request: " + task.OriginalMessage)

	msg := &models.Message{
		Channel: models.ChannelCLI,
		Role:    models.RoleUser,
		Content: sb.String(),
	}

	result := loop.ProcessMessage(ctx, subSessionID, msg, agentloop.Options{SkipPlan: true})
	if result.Outcome == agentloop.OutcomeError {
		if result.Err != nil {
			return "", result.Err
		}
		return "", fmt.Errorf("sub-agent %q failed", st.Name)
	}
	return result.Text, nil
}

func newAgentID(taskID, subTaskName string) string {
	return fmt.Sprintf("%s:%s:%d", taskID, subTaskName, time.Now().UnixNano())
}
