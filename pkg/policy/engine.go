// Package policy evaluates operator-defined override rules against a query
// before any list lookup runs. Rules are expr expressions over the query
// environment; the first matching rule wins. With no rules configured the
// engine stays nil and the decision path is untouched.
package policy

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Action is what a matched rule does to the query.
type Action string

const (
	ActionAllow Action = "allow"
	ActionBlock Action = "block"
)

// Env is the evaluation environment exposed to rule expressions.
// Expressions can use expr builtins on these fields, for example:
//
//	Domain endsWith ".doubleclick.net"
//	Domain matches "^ads[0-9]*\\." and ClientIP startsWith "192.168.2."
type Env struct {
	Domain   string
	ClientIP string
	ClientID int
}

// Rule is a single compiled override rule.
type Rule struct {
	Name    string
	Logic   string
	Action  Action
	program *vm.Program
}

// Engine holds the compiled rules in declaration order.
type Engine struct {
	rules []*Rule
}

// NewEngine creates an empty policy engine.
func NewEngine() *Engine {
	return &Engine{}
}

// AddRule compiles and appends a rule. The logic must evaluate to a
// boolean and the action must be allow or block.
func (e *Engine) AddRule(name, logic string, action Action) error {
	if action != ActionAllow && action != ActionBlock {
		return fmt.Errorf("rule %q: unknown action %q", name, action)
	}

	program, err := expr.Compile(logic, expr.Env(Env{}), expr.AsBool())
	if err != nil {
		return fmt.Errorf("rule %q: failed to compile logic: %w", name, err)
	}

	e.rules = append(e.rules, &Rule{
		Name:    name,
		Logic:   logic,
		Action:  action,
		program: program,
	})
	return nil
}

// Len returns the number of compiled rules.
func (e *Engine) Len() int {
	return len(e.rules)
}

// Evaluate runs the rules in order and returns the first that matches.
// Rules that fail at runtime are skipped; an override layer must never
// take down the query path.
func (e *Engine) Evaluate(env Env) (*Rule, bool) {
	for _, rule := range e.rules {
		result, err := expr.Run(rule.program, env)
		if err != nil {
			continue
		}
		if matched, ok := result.(bool); ok && matched {
			return rule, true
		}
	}
	return nil, false
}
