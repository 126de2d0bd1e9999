package toolregistry

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/osacore/osa/internal/provider"
	"github.com/osacore/osa/internal/skills"
)

// skillArgs is the argument shape a markdown skill's descriptor
// accepts: free-form text that becomes the user turn of the sub-call
// the skill's body is expanded into.
type skillArgs struct {
	Input string `json:"input"`
}

// RegisterSkill adds a markdown skill as a descriptor whose handler
// expands the skill's body as an LLM system prompt, with the
// registry's tool list pre-filtered to the skill's declared Tools.
// chat performs the sub-call; reg is consulted to build the filtered,
// descriptions-only tool list passed as context (the sub-call does not
// receive live tool-call access, keeping the expansion a single
// bounded LLM round-trip).
func RegisterSkill(reg *Registry, skill *skills.SkillEntry, chat *provider.Registry) {
	if skill == nil || chat == nil {
		return
	}

	reg.Register(Descriptor{
		Name:        skill.Name,
		Description: skill.Description,
		Parameters:  json.RawMessage(`{"type":"object","properties":{"input":{"type":"string"}},"required":["input"]}`),
		Handler: func(ctx context.Context, args json.RawMessage) (string, error) {
			var a skillArgs
			if len(args) > 0 {
				if err := json.Unmarshal(args, &a); err != nil {
					return "", fmt.Errorf("invalid arguments: %w", err)
				}
			}

			system := skillBody(skill, reg)
			resp, cerr := chat.ClassifyJSON(ctx, system+"\n\nUser: "+a.Input)
			if cerr != nil {
				return "", cerr
			}
			return resp, nil
		},
	})
}

// skillBody renders the skill's markdown body plus the names of tools
// it pre-filters the registry down to.
func skillBody(skill *skills.SkillEntry, reg *Registry) string {
	body := skill.Content
	if len(skill.Tools) == 0 {
		return body
	}

	allowed := make(map[string]bool, len(skill.Tools))
	for _, name := range skill.Tools {
		allowed[name] = true
	}

	body += "\n\nAvailable tools for this skill:\n"
	for _, d := range reg.ListTools() {
		if allowed[d.Name] {
			body += "- " + d.Name + ": " + d.Description + "\n"
		}
	}
	return body
}
