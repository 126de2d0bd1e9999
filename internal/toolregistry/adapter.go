package toolregistry

import (
	"context"
	"encoding/json"
)

// AgentToolFunc mirrors internal/agent.Tool's Execute signature
// flattened to (content, isError, err), letting RegisterNamed adapt
// any internal/agent.Tool (internal/tools/*) without this package
// importing internal/agent and risking a cycle.
type AgentToolFunc func(ctx context.Context, params json.RawMessage) (content string, isError bool, err error)

// RegisterNamed registers a tool under name/description/schema backed
// by fn, the shape every internal/tools/* adapter wired in cmd/nexus
// builds from an internal/agent.Tool's Name/Description/Schema/Execute.
func (r *Registry) RegisterNamed(name, description string, schema json.RawMessage, fn AgentToolFunc) {
	r.Register(Descriptor{
		Name:        name,
		Description: description,
		Parameters:  schema,
		Handler: func(ctx context.Context, args json.RawMessage) (string, error) {
			content, isError, err := fn(ctx, args)
			if err != nil {
				return "", err
			}
			if isError {
				return "", toolErr(content)
			}
			return content, nil
		},
	})
}

type toolErr string

func (e toolErr) Error() string { return string(e) }
