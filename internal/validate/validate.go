// Package validate checks pipeline post-conditions and repairs violations
// through a progressive fallback state machine.
package validate

import (
	"context"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/promptd/internal/block"
)

// Violation identifies a failed post-condition.
type Violation string

const (
	// V1: a system block is present whenever the input had one.
	V1 Violation = "V1"
	// V2: at least one user block is present.
	V2 Violation = "V2"
	// V3: every extracted constraint block is present with identical content.
	V3 Violation = "V3"
	// V4: total tokens fit the budget.
	V4 Violation = "V4"
	// V5: every must-keep block of the canonicalized input is present with
	// identical content.
	V5 Violation = "V5"
)

// Input carries the reference state the checks compare against.
type Input struct {
	// Canonical is the block list as produced by the canonicalizer.
	Canonical []block.Block

	// Constraints are the constraint blocks created by extraction.
	Constraints []block.Block

	// Budget is the target token budget.
	Budget int
}

// Check evaluates every post-condition and returns the violations in order.
func Check(blocks []block.Block, in Input) []Violation {
	var violations []Violation

	inputHadSystem := false
	for _, b := range in.Canonical {
		if b.Kind == block.KindSystem {
			inputHadSystem = true
			break
		}
	}

	hasSystem, hasUser := false, false
	contents := make(map[string]int, len(blocks))
	for _, b := range blocks {
		switch b.Kind {
		case block.KindSystem:
			hasSystem = true
		case block.KindUser:
			hasUser = true
		}
		contents[b.Content]++
	}

	if inputHadSystem && !hasSystem {
		violations = append(violations, V1)
	}
	if !hasUser {
		violations = append(violations, V2)
	}

	for _, c := range in.Constraints {
		if !containsConstraint(blocks, c.Content) {
			violations = append(violations, V3)
			break
		}
	}

	if block.TotalTokens(blocks) > in.Budget {
		violations = append(violations, V4)
	}

	for _, b := range in.Canonical {
		if !b.MustKeep {
			continue
		}
		if contents[b.Content] == 0 {
			violations = append(violations, V5)
			break
		}
	}

	return violations
}

func containsConstraint(blocks []block.Block, content string) bool {
	for _, b := range blocks {
		if b.Kind == block.KindConstraint && b.Content == content {
			return true
		}
	}
	return false
}

// structuralViolation reports whether any content post-condition (everything
// but the budget) failed.
func structuralViolation(violations []Violation) bool {
	for _, v := range violations {
		if v != V4 {
			return true
		}
	}
	return false
}

// Hooks are the repair actions the state machine can invoke. They are
// injected by the orchestrator so the validator stays free of stage
// dependencies.
type Hooks struct {
	// UndoCompression restores compressed blocks in place and reports
	// whether anything changed.
	UndoCompression func(blocks []block.Block) bool

	// WidenKeep reruns the keep-window heuristic with two extra turns and
	// then re-selects and re-compresses under the remaining budget. It
	// returns the replacement block list.
	WidenKeep func(ctx context.Context) ([]block.Block, error)
}

// Outcome is the result of running the state machine.
type Outcome struct {
	Blocks       []block.Block
	FallbackUsed bool
	Recovered    bool
	Failed       bool

	// Transitions records which violation triggered which state change,
	// e.g. "F0:V4->F1".
	Transitions []string

	// Final holds the violations still open when the machine stopped.
	Final []Violation
}

// Run validates blocks and walks the fallback states until the
// post-conditions pass or the minimal-safe state fails terminally.
func Run(ctx context.Context, blocks []block.Block, in Input, hooks Hooks, logger *zap.Logger) Outcome {
	if logger == nil {
		logger = zap.NewNop()
	}
	out := Outcome{Blocks: blocks}

	// F0: initial validation.
	violations := Check(out.Blocks, in)
	if len(violations) == 0 {
		return out
	}
	out.FallbackUsed = true

	// F1: undo compression, but only for a pure budget violation.
	if !structuralViolation(violations) {
		out.transition("F0", violations, "F1")
		logger.Warn("validation failed, undoing compression", zap.Any("violations", violations))
		if hooks.UndoCompression != nil && hooks.UndoCompression(out.Blocks) {
			violations = Check(out.Blocks, in)
			if len(violations) == 0 {
				out.Recovered = true
				return out
			}
		}
		out.transition("F1", violations, "F2")
	} else {
		out.transition("F0", violations, "F2")
	}

	// F2: widen the keep-window and re-run selection/compression.
	logger.Warn("validation failed, widening keep-window", zap.Any("violations", violations))
	if hooks.WidenKeep != nil {
		if widened, err := hooks.WidenKeep(ctx); err == nil {
			out.Blocks = widened
			violations = Check(out.Blocks, in)
			if len(violations) == 0 {
				out.Recovered = true
				return out
			}
		} else {
			logger.Warn("widen-keep fallback failed", zap.Error(err))
		}
	}
	out.transition("F2", violations, "F3")

	// F3: minimal-safe result.
	logger.Warn("validation failed, reducing to minimal-safe blocks", zap.Any("violations", violations))
	out.Blocks = minimalSafe(in)
	violations = Check(out.Blocks, in)
	out.Final = violations
	if len(violations) > 0 {
		out.Failed = true
		out.transition("F3", violations, "FAILED")
		return out
	}
	out.Recovered = true
	return out
}

func (o *Outcome) transition(from string, violations []Violation, to string) {
	label := from + ":"
	for i, v := range violations {
		if i > 0 {
			label += ","
		}
		label += string(v)
	}
	o.Transitions = append(o.Transitions, label+"->"+to)
}

// minimalSafe rebuilds the smallest acceptable output from the canonical
// input: every system and developer block, the most recent user block, every
// extracted constraint, and the single highest-priority tool block.
func minimalSafe(in Input) []block.Block {
	var out []block.Block
	var lastUser *block.Block
	var bestTool *block.Block

	for i := range in.Canonical {
		b := &in.Canonical[i]
		switch b.Kind {
		case block.KindSystem, block.KindDeveloper:
			out = append(out, b.Clone())
		case block.KindUser:
			if lastUser == nil || b.Timestamp > lastUser.Timestamp {
				lastUser = b
			}
		case block.KindTool:
			if bestTool == nil || betterTool(*b, *bestTool) {
				bestTool = b
			}
		}
	}

	if lastUser != nil {
		out = append(out, lastUser.Clone())
	}
	for _, c := range in.Constraints {
		out = append(out, c.Clone())
	}
	if bestTool != nil {
		out = append(out, bestTool.Clone())
	}

	block.SortByTimestamp(out)
	return out
}

// betterTool orders tool blocks by priority, then recency, then id.
func betterTool(a, b block.Block) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if a.Timestamp != b.Timestamp {
		return a.Timestamp > b.Timestamp
	}
	return a.ID < b.ID
}
