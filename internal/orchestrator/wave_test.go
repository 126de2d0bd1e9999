package orchestrator

import "testing"

func TestBuildWaves_LinearChain(t *testing.T) {
	tasks := []SubTask{
		{Name: "schema"},
		{Name: "handlers", DependsOn: []string{"schema"}},
		{Name: "tests", DependsOn: []string{"handlers"}},
	}

	waves := buildWaves(tasks)
	if len(waves) != 3 {
		t.Fatalf("waves=%v, want 3", waves)
	}
	if len(waves[0]) != 1 || waves[0][0].Name != "schema" {
		t.Fatalf("wave0=%v, want [schema]", waves[0])
	}
	if len(waves[1]) != 1 || waves[1][0].Name != "handlers" {
		t.Fatalf("wave1=%v, want [handlers]", waves[1])
	}
	if len(waves[2]) != 1 || waves[2][0].Name != "tests" {
		t.Fatalf("wave2=%v, want [tests]", waves[2])
	}
}

func TestBuildWaves_ParallelFanOut(t *testing.T) {
	tasks := []SubTask{
		{Name: "a"},
		{Name: "b"},
		{Name: "c", DependsOn: []string{"a", "b"}},
	}

	waves := buildWaves(tasks)
	if len(waves) != 2 {
		t.Fatalf("waves=%v, want 2", waves)
	}
	if len(waves[0]) != 2 {
		t.Fatalf("wave0=%v, want 2 tasks", waves[0])
	}
	if len(waves[1]) != 1 || waves[1][0].Name != "c" {
		t.Fatalf("wave1=%v, want [c]", waves[1])
	}
}

// TestBuildWaves_CycleForcesTerminalWave asserts that a dependency
// cycle never errors: every task still stuck with an unresolved
// dependency is forced into one final wave together.
func TestBuildWaves_CycleForcesTerminalWave(t *testing.T) {
	tasks := []SubTask{
		{Name: "a", DependsOn: []string{"b"}},
		{Name: "b", DependsOn: []string{"a"}},
		{Name: "c"},
	}

	waves := buildWaves(tasks)
	if len(waves) != 2 {
		t.Fatalf("waves=%v, want 2 (independent, then forced terminal)", waves)
	}
	if len(waves[0]) != 1 || waves[0][0].Name != "c" {
		t.Fatalf("wave0=%v, want [c]", waves[0])
	}
	if len(waves[1]) != 2 {
		t.Fatalf("wave1=%v, want the cyclic pair forced together", waves[1])
	}
}

func TestBuildWaves_UnknownDependencyNeverBlocks(t *testing.T) {
	tasks := []SubTask{
		{Name: "a", DependsOn: []string{"ghost"}},
	}
	waves := buildWaves(tasks)
	if len(waves) != 1 || len(waves[0]) != 1 || waves[0][0].Name != "a" {
		t.Fatalf("waves=%v, want [[a]] (unknown dependency treated as satisfied)", waves)
	}
}

func TestBuildWaves_Empty(t *testing.T) {
	if waves := buildWaves(nil); waves != nil {
		t.Fatalf("waves=%v, want nil", waves)
	}
}
