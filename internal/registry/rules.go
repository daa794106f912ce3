package registry

import (
	"fmt"
	"time"

	"github.com/expr-lang/expr"

	"github.com/brewline/control-plane/pkg/models"
)

// RuleVars is the evaluation environment a SeasonRule's expression runs
// against: the current time and the branch the inbound message is
// scoped to. Expressions reference these as bare identifiers, e.g.
// `month == 12 || month == 1` or `branch_id == "downtown"`.
type RuleVars struct {
	Now      time.Time `expr:"now"`
	Month    int       `expr:"month"`
	Weekday  int       `expr:"weekday"`
	BranchID string    `expr:"branch_id"`
}

// ActiveEffects evaluates every season rule in the snapshot against the
// given branch and time, returning the Effect string of each rule whose
// expression evaluates true. A rule with a malformed expression is
// skipped silently rather than failing the whole evaluation — a
// single bad row in the config sheet must not take down every reply.
func ActiveEffects(snapshot *models.ConfigSnapshot, branchID string, now time.Time) []string {
	vars := RuleVars{
		Now:      now,
		Month:    int(now.Month()),
		Weekday:  int(now.Weekday()),
		BranchID: branchID,
	}

	var effects []string
	for _, rule := range snapshot.SeasonRules {
		program, err := expr.Compile(rule.Expression, expr.Env(RuleVars{}), expr.AsBool())
		if err != nil {
			continue
		}
		out, err := expr.Run(program, vars)
		if err != nil {
			continue
		}
		if active, ok := out.(bool); ok && active {
			effects = append(effects, rule.Effect)
		}
	}
	return effects
}

// ValidateExpression reports whether a season rule's expression compiles
// against RuleVars. fetchSeasonRules uses it to drop a bad sheet row at
// refresh time instead of letting ActiveEffects silently skip it every call.
func ValidateExpression(expression string) error {
	if _, err := expr.Compile(expression, expr.Env(RuleVars{}), expr.AsBool()); err != nil {
		return fmt.Errorf("invalid season rule expression: %w", err)
	}
	return nil
}
