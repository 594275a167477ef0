// Package decisor decides which government-mandated document a financial
// operation requires. The engine is a pure function over a rule table loaded
// from external data; it performs no I/O and refuses to guess when rules
// conflict.
package decisor

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"fisco/internal/fiscal"
	domainerrors "fisco/pkg/domain-errors"
)

// CounterpartyKind classifies the other party of the operation.
type CounterpartyKind string

const (
	CounterpartyPerson  CounterpartyKind = "person"
	CounterpartyCompany CounterpartyKind = "company"
)

// matchAny is the rule-table wildcard for counterparty and jurisdiction.
const matchAny = "*"

// OperationDescriptor describes one financial operation to classify.
type OperationDescriptor struct {
	Counterparty CounterpartyKind
	Category     string
	Jurisdiction string
}

// Decision is the engine's verdict. Required is false when no fiscal
// document needs to be issued for the operation.
type Decision struct {
	Required     bool
	DocumentType fiscal.DocumentType
	Series       int
	Taxes        map[string]decimal.Decimal
}

// Rule is one entry of the decision table. An empty DocumentType means the
// matched operation requires no fiscal document.
type Rule struct {
	Name         string
	Category     string
	Counterparty string
	Jurisdiction string
	DocumentType fiscal.DocumentType
	Series       int
	Taxes        map[string]decimal.Decimal
}

func (r Rule) matches(op OperationDescriptor) bool {
	if r.Category != op.Category {
		return false
	}
	if r.Counterparty != matchAny && r.Counterparty != string(op.Counterparty) {
		return false
	}
	if r.Jurisdiction != "" && r.Jurisdiction != matchAny && r.Jurisdiction != op.Jurisdiction {
		return false
	}
	return true
}

// Engine evaluates operations against an immutable rule table.
type Engine struct {
	rules []Rule
}

// NewEngine creates an engine over the given rule table.
func NewEngine(rules []Rule) *Engine {
	return &Engine{rules: rules}
}

// Decide classifies the operation. Same input always yields the same
// decision. Two matching rules with conflicting document types produce an
// ambiguous_rule error rather than a guess.
func (e *Engine) Decide(op OperationDescriptor) (Decision, error) {
	if op.Category == "" {
		return Decision{}, domainerrors.New(domainerrors.CodeInvalidInput, "operation category is required")
	}

	var matched []Rule
	for _, rule := range e.rules {
		if rule.matches(op) {
			matched = append(matched, rule)
		}
	}
	if len(matched) == 0 {
		return Decision{}, nil
	}

	first := matched[0]
	for _, rule := range matched[1:] {
		if rule.DocumentType != first.DocumentType {
			names := make([]string, len(matched))
			for i, m := range matched {
				names[i] = m.Name
			}
			return Decision{}, domainerrors.New(
				domainerrors.CodeAmbiguousRule,
				fmt.Sprintf("rules %s match with conflicting document types", strings.Join(names, ", ")),
			)
		}
	}

	if first.DocumentType == "" {
		return Decision{}, nil
	}
	return Decision{
		Required:     true,
		DocumentType: first.DocumentType,
		Series:       first.Series,
		Taxes:        cloneTaxes(first.Taxes),
	}, nil
}

func cloneTaxes(taxes map[string]decimal.Decimal) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(taxes))
	for k, v := range taxes {
		out[k] = v
	}
	return out
}
