package checker

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"golang.org/x/xerrors"

	"github.com/envoyproxy/dependency-check/types"
)

type Phase string

const (
	PhaseCVEs     Phase = "cves"
	PhaseReleases Phase = "releases"
	PhaseIssues   Phase = "issues"
)

// Phases lists every phase in execution order.
var Phases = []Phase{PhaseCVEs, PhaseReleases, PhaseIssues}

// ParsePhases reads a subcommand: a phase name or "all".
func ParsePhases(arg string) ([]Phase, error) {
	if arg == "all" {
		return Phases, nil
	}
	for _, p := range Phases {
		if string(p) == arg {
			return []Phase{p}, nil
		}
	}
	return nil, xerrors.Errorf("unknown phase %q, expected one of cves, releases, issues, all", arg)
}

// Check is one result of a phase. DepID is empty for results that concern
// the whole phase.
type Check struct {
	Kind    types.Kind
	DepID   string
	Message string
}

func (c Check) line() string {
	dep := c.DepID
	if dep == "" {
		dep = "-"
	}
	msg := strings.Join(strings.Fields(c.Message), " ")
	return fmt.Sprintf("%s\t%s\t%s", c.Kind, dep, msg)
}

type PhaseResult struct {
	Phase     Phase
	Successes []Check
	Warnings  []Check
	Errors    []Check
}

func (p *PhaseResult) success(kind types.Kind, dep, format string, args ...interface{}) {
	p.Successes = append(p.Successes, Check{Kind: kind, DepID: dep, Message: fmt.Sprintf(format, args...)})
}

func (p *PhaseResult) warn(kind types.Kind, dep, format string, args ...interface{}) {
	p.Warnings = append(p.Warnings, Check{Kind: kind, DepID: dep, Message: fmt.Sprintf(format, args...)})
}

func (p *PhaseResult) fail(kind types.Kind, dep, format string, args ...interface{}) {
	p.Errors = append(p.Errors, Check{Kind: kind, DepID: dep, Message: fmt.Sprintf(format, args...)})
}

// failErr records err under its own kind, falling back to kind.
func (p *PhaseResult) failErr(kind types.Kind, dep string, err error) {
	if k := types.KindOf(err); k != "" {
		kind = k
	}
	p.fail(kind, dep, "%v", unwrapKind(err))
}

func (p *PhaseResult) warnErr(kind types.Kind, dep string, err error) {
	if k := types.KindOf(err); k != "" {
		kind = k
	}
	p.warn(kind, dep, "%v", unwrapKind(err))
}

// unwrapKind drops the kind and dependency prefix the report already prints.
func unwrapKind(err error) error {
	if e, ok := err.(*types.Error); ok {
		return e.Err
	}
	return err
}

// operational reports whether the phase failed for reasons other than its
// findings.
func (p *PhaseResult) operational() bool {
	for _, c := range p.Errors {
		if !c.Kind.IsFinding() {
			return true
		}
	}
	return false
}

func (p *PhaseResult) sortByDep() {
	for _, checks := range [][]Check{p.Successes, p.Warnings, p.Errors} {
		sort.SliceStable(checks, func(i, j int) bool {
			return checks[i].DepID < checks[j].DepID
		})
	}
}

// Report is the outcome of a run.
type Report struct {
	Phases    []*PhaseResult
	Cancelled bool
}

func (r *Report) HasErrors() bool {
	for _, p := range r.Phases {
		if len(p.Errors) > 0 {
			return true
		}
	}
	return false
}

// Write prints one line per error: kind, dependency id and message separated
// by tabs.
func (r *Report) Write(w io.Writer) error {
	for _, p := range r.Phases {
		for _, c := range p.Errors {
			if _, err := fmt.Fprintln(w, c.line()); err != nil {
				return err
			}
		}
	}
	if r.Cancelled {
		_, err := fmt.Fprintln(w, Check{Kind: types.KindCancelled, Message: "run interrupted"}.line())
		return err
	}
	return nil
}

const (
	ExitOK          = 0
	ExitError       = 1
	ExitUsage       = 2
	ExitInterrupted = 130
)

// ExitCode is 130 for interrupted runs, 1 when any phase has errors and 0
// otherwise. Warnings never fail a run.
func (r *Report) ExitCode() int {
	switch {
	case r.Cancelled:
		return ExitInterrupted
	case r.HasErrors():
		return ExitError
	default:
		return ExitOK
	}
}
