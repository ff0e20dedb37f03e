// Package migrate computes the DDL that evolves the storage of one type map
// into the storage of another.
//
// Diff is a pure function: it never touches a database. Its output is a Plan
// of per-type Actions, each split into three phases. The runner in
// pkg/migrator executes every prepone statement, then every main statement,
// then every postpone statement, so foreign keys are dropped before the
// tables they point at disappear and are added after every table they point
// at exists.
package migrate

import (
	"strings"

	"github.com/pthm/strata/pkg/schema"
)

// DefaultHistoryRetention is the number of history rows kept per record when
// neither the type nor the scope sets a retention.
const DefaultHistoryRetention = 20

// Scope is the input of one diff run. It is not modified.
type Scope struct {
	Current schema.TypeMap
	Next    schema.TypeMap
	// Schema is the PostgreSQL schema holding the tables.
	Schema string
	// Retention overrides DefaultHistoryRetention for types that do not set
	// their own.
	Retention int
}

func (s *Scope) schemaName() string {
	if s.Schema == "" {
		return "public"
	}
	return s.Schema
}

func (s *Scope) retention(typ *schema.TypeDefinition) int {
	switch {
	case typ.HistoryRetention > 0:
		return typ.HistoryRetention
	case s.Retention > 0:
		return s.Retention
	default:
		return DefaultHistoryRetention
	}
}

// ActionKind is what an action does to its type's storage.
type ActionKind string

const (
	ActionCreate ActionKind = "create"
	ActionDelete ActionKind = "delete"
	ActionAlter  ActionKind = "alter"
)

// Action is the DDL of one type, split by phase. Statements of a phase run
// in order.
type Action struct {
	Type     string
	Kind     ActionKind
	Prepone  []string
	Main     []string
	Postpone []string
}

func (a *Action) empty() bool {
	return len(a.Prepone) == 0 && len(a.Main) == 0 && len(a.Postpone) == 0
}

// Phase names a step of a migration run.
type Phase string

const (
	PhaseSetup    Phase = "setup"
	PhasePrepone  Phase = "prepone"
	PhaseMain     Phase = "main"
	PhasePostpone Phase = "postpone"
)

// Step is the statement list one action contributes to a phase.
type Step struct {
	Type       string
	Statements []string
}

// PhaseSteps groups the steps of one phase. Steps of a phase are independent
// of each other.
type PhaseSteps struct {
	Phase Phase
	Steps []Step
}

// Plan is the result of Diff. Actions are ordered by type name.
type Plan struct {
	// Setup holds statements every action may depend on, such as extensions.
	Setup   []string
	Actions []Action
}

// Empty reports whether the plan changes nothing.
func (p *Plan) Empty() bool {
	return len(p.Actions) == 0
}

// Phases returns the non-empty phases of the plan in execution order.
func (p *Plan) Phases() []PhaseSteps {
	var out []PhaseSteps
	if len(p.Setup) > 0 {
		out = append(out, PhaseSteps{Phase: PhaseSetup, Steps: []Step{{Statements: p.Setup}}})
	}
	for _, phase := range []Phase{PhasePrepone, PhaseMain, PhasePostpone} {
		var steps []Step
		for i := range p.Actions {
			a := &p.Actions[i]
			if stmts := a.statements(phase); len(stmts) > 0 {
				steps = append(steps, Step{Type: a.Type, Statements: stmts})
			}
		}
		if len(steps) > 0 {
			out = append(out, PhaseSteps{Phase: phase, Steps: steps})
		}
	}
	return out
}

func (a *Action) statements(phase Phase) []string {
	switch phase {
	case PhasePrepone:
		return a.Prepone
	case PhaseMain:
		return a.Main
	case PhasePostpone:
		return a.Postpone
	default:
		return nil
	}
}

// Statements returns every statement of the plan in execution order.
func (p *Plan) Statements() []string {
	var out []string
	for _, ph := range p.Phases() {
		for _, step := range ph.Steps {
			out = append(out, step.Statements...)
		}
	}
	return out
}

// SQL renders the plan as a script with one section per phase.
func (p *Plan) SQL() string {
	var sb strings.Builder
	for _, ph := range p.Phases() {
		sb.WriteString("-- =====\n-- " + string(ph.Phase) + "\n-- =====\n")
		for _, step := range ph.Steps {
			if step.Type != "" {
				sb.WriteString("\n-- " + step.Type + "\n")
			}
			for _, stmt := range step.Statements {
				sb.WriteString(stmt)
				sb.WriteString(";\n")
			}
		}
		sb.WriteString("\n")
	}
	return sb.String()
}
