// Package registry holds the static mapping from target categories to the
// benchmark and regression suites the harness runs. The registry is loaded
// once at startup and never mutated by the pipeline.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
)

// ErrNoRegressionSuites is returned when a category has no registered
// regression suites. Every category must carry at least a minimal suite; this
// is a hard precondition of evaluation, not an optional extra.
var ErrNoRegressionSuites = errors.New("no regression suites registered for category")

// Benchmark is a scored task with a fixed minimum passing threshold.
type Benchmark struct {
	ID      string  `json:"id"`
	Name    string  `json:"name"`
	Minimum float64 `json:"minimum"`
	Prompt  string  `json:"prompt,omitempty"`
}

// Test case check kinds interpreted by the heuristic scorer.
const (
	CheckContains    = "contains"
	CheckNotContains = "not_contains"
	CheckMaxLength   = "max_length"
	CheckNonEmpty    = "non_empty"
)

// TestCase is one must-pass regression check.
type TestCase struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Check     string `json:"check"`
	Pattern   string `json:"pattern,omitempty"`
	MaxLength int    `json:"maxLength,omitempty"`
}

// Suite is a fixed list of regression cases with zero failure tolerance.
type Suite struct {
	ID    string     `json:"id"`
	Name  string     `json:"name"`
	Cases []TestCase `json:"cases"`
}

// CategorySuites bundles everything registered for one category.
type CategorySuites struct {
	Benchmarks []Benchmark `json:"benchmarks"`
	Suites     []Suite     `json:"regressionSuites"`
}

type Registry struct {
	categories map[string]CategorySuites
}

// New builds a registry from an explicit category mapping.
func New(categories map[string]CategorySuites) *Registry {
	return &Registry{categories: categories}
}

// SuitesFor resolves the suites for a category. A category without regression
// suites (including an unknown category) fails the cycle.
func (r *Registry) SuitesFor(category string) (CategorySuites, error) {
	cs, ok := r.categories[category]
	if !ok || len(cs.Suites) == 0 {
		return CategorySuites{}, fmt.Errorf("category %q: %w", category, ErrNoRegressionSuites)
	}
	return cs, nil
}

// Categories lists registered category names, sorted.
func (r *Registry) Categories() []string {
	out := make([]string, 0, len(r.categories))
	for k := range r.categories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// LoadFile reads a registry override file: JSON object of category name to
// CategorySuites.
func LoadFile(path string) (*Registry, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read registry file: %w", err)
	}
	var categories map[string]CategorySuites
	if err := json.Unmarshal(b, &categories); err != nil {
		return nil, fmt.Errorf("parse registry file: %w", err)
	}
	for name, cs := range categories {
		if len(cs.Suites) == 0 {
			return nil, fmt.Errorf("category %q: %w", name, ErrNoRegressionSuites)
		}
	}
	return &Registry{categories: categories}, nil
}

// Default returns the built-in registry for the shipped categories.
func Default() *Registry {
	return &Registry{categories: map[string]CategorySuites{
		"skill": {
			Benchmarks: []Benchmark{
				{ID: "skill.clarity", Name: "Instruction clarity", Minimum: 0.70,
					Prompt: "Rate how unambiguous the instructions are for an agent following them."},
				{ID: "skill.coverage", Name: "Scenario coverage", Minimum: 0.60,
					Prompt: "Rate how completely the document covers its stated task, including edge cases."},
				{ID: "skill.actionability", Name: "Actionability", Minimum: 0.65,
					Prompt: "Rate whether each section yields a concrete next action."},
			},
			Suites: []Suite{
				{ID: "skill.structure", Name: "Document structure", Cases: []TestCase{
					{ID: "skill.structure.title", Name: "has a title heading", Check: CheckContains, Pattern: "# "},
					{ID: "skill.structure.nonempty", Name: "content present", Check: CheckNonEmpty},
					{ID: "skill.structure.size", Name: "within size bound", Check: CheckMaxLength, MaxLength: 65536},
					{ID: "skill.structure.no-placeholders", Name: "no unfinished placeholders", Check: CheckNotContains, Pattern: "TBD:"},
				}},
				{ID: "skill.safety", Name: "Safety guards", Cases: []TestCase{
					{ID: "skill.safety.no-force-rm", Name: "no destructive shell advice", Check: CheckNotContains, Pattern: "rm -rf /"},
					{ID: "skill.safety.no-pipe-sh", Name: "no curl-pipe-shell advice", Check: CheckNotContains, Pattern: "curl | sh"},
				}},
			},
		},
		"agent": {
			Benchmarks: []Benchmark{
				{ID: "agent.role", Name: "Role clarity", Minimum: 0.70,
					Prompt: "Rate how clearly the agent's role, inputs and outputs are defined."},
				{ID: "agent.tools", Name: "Tool discipline", Minimum: 0.60,
					Prompt: "Rate whether tool usage rules are explicit and bounded."},
			},
			Suites: []Suite{
				{ID: "agent.structure", Name: "Agent definition structure", Cases: []TestCase{
					{ID: "agent.structure.title", Name: "has a title heading", Check: CheckContains, Pattern: "# "},
					{ID: "agent.structure.role", Name: "declares a role section", Check: CheckContains, Pattern: "## Role"},
					{ID: "agent.structure.nonempty", Name: "content present", Check: CheckNonEmpty},
				}},
			},
		},
		"playbook": {
			Benchmarks: []Benchmark{
				{ID: "playbook.steps", Name: "Step completeness", Minimum: 0.65,
					Prompt: "Rate whether the playbook's steps are ordered, complete and verifiable."},
			},
			Suites: []Suite{
				{ID: "playbook.structure", Name: "Playbook structure", Cases: []TestCase{
					{ID: "playbook.structure.steps", Name: "has numbered steps", Check: CheckContains, Pattern: "1."},
					{ID: "playbook.structure.nonempty", Name: "content present", Check: CheckNonEmpty},
					{ID: "playbook.structure.size", Name: "within size bound", Check: CheckMaxLength, MaxLength: 131072},
				}},
			},
		},
	}}
}
