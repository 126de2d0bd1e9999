package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/osacore/osa/internal/agent"
	"github.com/osacore/osa/internal/provider"
	"github.com/osacore/osa/internal/sessions"
)

// fakeProvider always returns a single fixed text chunk, grounded on
// internal/agent/loop_test.go's loopTestProvider.
type fakeProvider struct {
	text string
}

func (p *fakeProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	ch := make(chan *agent.CompletionChunk, 1)
	go func() {
		defer close(ch)
		ch <- &agent.CompletionChunk{Text: p.text, Done: true}
	}()
	return ch, nil
}

func (p *fakeProvider) Name() string         { return "fake" }
func (p *fakeProvider) Models() []agent.Model { return nil }
func (p *fakeProvider) SupportsTools() bool   { return false }

func newTestRegistry(text string) *provider.Registry {
	reg := provider.New()
	reg.RegisterBackend("fake", &fakeProvider{text: text})
	reg.SetTierModel(provider.TierUtility, "fake", "fake-model")
	reg.SetTierModel(provider.TierSpecialist, "fake", "fake-model")
	return reg
}

func TestAnalyze_SimpleOnEmptyDecomposition(t *testing.T) {
	reg := newTestRegistry("[]")
	o := New(Config{}, reg, sessions.NewMemoryStore(), nil, nil, nil, nil, nil, nil)

	d := o.Analyze(context.Background(), "say hello")
	if d.Complex {
		t.Fatalf("expected simple decomposition, got complex with %d sub-tasks", len(d.SubTasks))
	}
}

func TestAnalyze_ComplexDecomposition(t *testing.T) {
	reg := newTestRegistry(`[
		{"name": "schema", "description": "design the schema", "role": "data", "depends_on": []},
		{"name": "handlers", "description": "write handlers", "role": "backend", "depends_on": ["schema"]},
		{"name": "tests", "description": "write tests", "role": "qa", "depends_on": ["handlers"]}
	]`)
	o := New(Config{}, reg, sessions.NewMemoryStore(), nil, nil, nil, nil, nil, nil)

	d := o.Analyze(context.Background(), "Build a REST API with schema, handlers, and tests.")
	if !d.Complex {
		t.Fatalf("expected complex decomposition")
	}
	if len(d.SubTasks) != 3 {
		t.Fatalf("SubTasks=%v, want 3", d.SubTasks)
	}

	waves := buildWaves(d.SubTasks)
	if len(waves) != 3 {
		t.Fatalf("waves=%v, want 3 (schema -> handlers -> tests)", waves)
	}
	if waves[0][0].Name != "schema" || waves[1][0].Name != "handlers" || waves[2][0].Name != "tests" {
		t.Fatalf("wave order=%v, want schema,handlers,tests in order", waves)
	}
}

func TestAnalyze_UnrecognizedRoleCoercedToGeneralist(t *testing.T) {
	reg := newTestRegistry(`[
		{"name": "a", "description": "d", "role": "astrologer"},
		{"name": "b", "description": "d", "role": "backend"}
	]`)
	o := New(Config{}, reg, sessions.NewMemoryStore(), nil, nil, nil, nil, nil, nil)

	d := o.Analyze(context.Background(), "do two things")
	if !d.Complex {
		t.Fatalf("expected complex decomposition")
	}
	if d.SubTasks[0].Role != "generalist" {
		t.Fatalf("Role=%q, want generalist fallback", d.SubTasks[0].Role)
	}
}

func TestAnalyze_MalformedJSONFallsBackToSimple(t *testing.T) {
	reg := newTestRegistry("not json at all")
	o := New(Config{}, reg, sessions.NewMemoryStore(), nil, nil, nil, nil, nil, nil)

	d := o.Analyze(context.Background(), "whatever")
	if d.Complex {
		t.Fatalf("expected simple fallback on malformed JSON")
	}
}

func TestExecute_RunsWavesAndSynthesizes(t *testing.T) {
	reg := newTestRegistry("sub-task output")
	o := New(Config{MaxParallelAgents: 2}, reg, sessions.NewMemoryStore(), nil, nil, nil, nil, nil, nil)

	subTasks := []SubTask{
		{Name: "a", Description: "do a", Role: "generalist"},
		{Name: "b", Description: "do b", Role: "generalist", DependsOn: []string{"a"}},
	}

	taskID, err := o.Execute(context.Background(), "original request", "session-1", subTasks)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	var snapshot Snapshot
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		snapshot, _ = o.Progress(taskID)
		if snapshot.Status != StatusRunning {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	if snapshot.Status != StatusCompleted {
		t.Fatalf("Status=%v, want completed (agents=%+v)", snapshot.Status, snapshot.Agents)
	}
	if len(snapshot.Results) != 2 {
		t.Fatalf("Results=%v, want 2 entries", snapshot.Results)
	}
	if snapshot.Synthesis == "" {
		t.Fatalf("expected non-empty synthesis")
	}
}

func TestProgress_NotFound(t *testing.T) {
	o := New(Config{}, newTestRegistry("[]"), sessions.NewMemoryStore(), nil, nil, nil, nil, nil, nil)
	if _, err := o.Progress("nonexistent"); err == nil {
		t.Fatalf("expected not-found error")
	}
}

func TestListTasks_OrderedByStart(t *testing.T) {
	o := New(Config{}, newTestRegistry("ok"), sessions.NewMemoryStore(), nil, nil, nil, nil, nil, nil)

	id1, _ := o.Execute(context.Background(), "first", "s1", []SubTask{{Name: "a", Role: "generalist"}, {Name: "b", Role: "generalist"}})
	time.Sleep(5 * time.Millisecond)
	id2, _ := o.Execute(context.Background(), "second", "s2", []SubTask{{Name: "c", Role: "generalist"}, {Name: "d", Role: "generalist"}})

	summaries := o.ListTasks()
	if len(summaries) != 2 {
		t.Fatalf("summaries=%v, want 2", summaries)
	}
	if summaries[0].TaskID != id1 || summaries[1].TaskID != id2 {
		t.Fatalf("summaries not in start order: %+v", summaries)
	}
}
