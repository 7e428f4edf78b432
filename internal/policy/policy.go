// Package policy evaluates configurable business rules on workflow step
// outcomes. Rules are govaluate expressions over step parameters; the first
// matching rule decides whether a failed step is retried, aborted, or
// escalated for manual review.
package policy

import (
	"fmt"

	"github.com/Knetic/govaluate"
)

// Action is what a matched rule prescribes.
type Action string

const (
	ActionRetry    Action = "retry"
	ActionAbort    Action = "abort"
	ActionEscalate Action = "escalate"
)

// RuleConfig is one configurable rule. The expression sees the parameters
// the workflow passes to Evaluate (attempt, transient, invoice_cancelled,
// error_code).
type RuleConfig struct {
	Name       string
	Expression string
	Action     Action
}

// Decision is the outcome of evaluating the rule set.
type Decision struct {
	AllowRetry     bool
	Abort          bool
	EscalateManual bool
	Rule           string // name of the matched rule, empty when none matched
}

type compiledRule struct {
	cfg  RuleConfig
	expr *govaluate.EvaluableExpression
}

// Enforcer holds a compiled, ordered rule set.
type Enforcer struct {
	rules []compiledRule
}

// NewEnforcer compiles the rule expressions. A malformed expression fails
// construction rather than silently matching nothing at runtime.
func NewEnforcer(rules []RuleConfig) (*Enforcer, error) {
	compiled := make([]compiledRule, 0, len(rules))
	for _, rc := range rules {
		expr, err := govaluate.NewEvaluableExpression(rc.Expression)
		if err != nil {
			return nil, fmt.Errorf("policy: compiling rule %q: %w", rc.Name, err)
		}
		compiled = append(compiled, compiledRule{cfg: rc, expr: expr})
	}
	return &Enforcer{rules: compiled}, nil
}

// DefaultRules returns the capture-step rule set used unless overridden:
// abort on a cancelled invoice, retry transient errors within the attempt
// ceiling, abort anything else.
func DefaultRules(maxAttempts int) []RuleConfig {
	return []RuleConfig{
		{Name: "AbortCancelledInvoice", Expression: "invoice_cancelled", Action: ActionAbort},
		{Name: "RetryTransient", Expression: fmt.Sprintf("transient && attempt < %d", maxAttempts), Action: ActionRetry},
		{Name: "AbortPermanent", Expression: "true", Action: ActionAbort},
	}
}

// Evaluate runs the rules in order against params and returns the decision
// of the first rule whose expression is true. No match means no retry and
// no abort; the caller treats that as a terminal failure.
func (e *Enforcer) Evaluate(params map[string]interface{}) (Decision, error) {
	for _, rule := range e.rules {
		result, err := rule.expr.Evaluate(params)
		if err != nil {
			return Decision{}, fmt.Errorf("policy: evaluating rule %q: %w", rule.cfg.Name, err)
		}
		matched, ok := result.(bool)
		if !ok {
			return Decision{}, fmt.Errorf("policy: rule %q did not evaluate to a boolean", rule.cfg.Name)
		}
		if !matched {
			continue
		}

		d := Decision{Rule: rule.cfg.Name}
		switch rule.cfg.Action {
		case ActionRetry:
			d.AllowRetry = true
		case ActionAbort:
			d.Abort = true
		case ActionEscalate:
			d.EscalateManual = true
		default:
			return Decision{}, fmt.Errorf("policy: rule %q has unknown action %q", rule.cfg.Name, rule.cfg.Action)
		}
		return d, nil
	}
	return Decision{}, nil
}
