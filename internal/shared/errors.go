package shared

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrValidation indicates malformed or out-of-range input.
	ErrValidation = errors.New("validation failed")
	// ErrInvalidState indicates an operation on a terminal or wrong-state entity.
	ErrInvalidState = errors.New("invalid state transition")
	// ErrPrecondition indicates a workflow gate that is not satisfied yet.
	ErrPrecondition = errors.New("precondition failed")
	// ErrOverpayment indicates a payment above the outstanding balance.
	ErrOverpayment = errors.New("payment exceeds invoice total")
)

// RuleError names the entity, line and rule behind a rejection.
type RuleError struct {
	Kind     error
	Entity   string
	EntityID int64
	Line     int
	Field    string
	Rule     string
	Detail   string
}

func (e *RuleError) Error() string {
	var b strings.Builder
	b.WriteString(e.Entity)
	if e.EntityID != 0 {
		fmt.Fprintf(&b, " %d", e.EntityID)
	}
	if e.Line > 0 {
		fmt.Fprintf(&b, " line %d", e.Line)
	}
	if e.Field != "" {
		fmt.Fprintf(&b, " %s", e.Field)
	}
	if e.Rule != "" {
		fmt.Fprintf(&b, ": %s", e.Rule)
	}
	if e.Detail != "" {
		fmt.Fprintf(&b, " (%s)", e.Detail)
	}
	if e.Kind != nil {
		fmt.Fprintf(&b, ": %s", e.Kind)
	}
	return b.String()
}

func (e *RuleError) Unwrap() error { return e.Kind }

// Validation builds a RuleError of kind ErrValidation.
func Validation(entity string, id int64, line int, field, rule string) *RuleError {
	return &RuleError{Kind: ErrValidation, Entity: entity, EntityID: id, Line: line, Field: field, Rule: rule}
}

// InvalidState builds a RuleError of kind ErrInvalidState.
func InvalidState(entity string, id int64, rule string) *RuleError {
	return &RuleError{Kind: ErrInvalidState, Entity: entity, EntityID: id, Rule: rule}
}

// Precondition builds a RuleError of kind ErrPrecondition.
func Precondition(entity string, id int64, rule string) *RuleError {
	return &RuleError{Kind: ErrPrecondition, Entity: entity, EntityID: id, Rule: rule}
}

// NotFound builds a RuleError of kind ErrNotFound.
func NotFound(entity string, id int64) *RuleError {
	return &RuleError{Kind: ErrNotFound, Entity: entity, EntityID: id}
}

// OverpaymentError reports the amounts behind a rejected payment.
type OverpaymentError struct {
	InvoiceID int64
	Total     decimal.Decimal
	Paid      decimal.Decimal
	Attempted decimal.Decimal
}

func (e *OverpaymentError) Error() string {
	return fmt.Sprintf("invoice %d: payment %s exceeds outstanding balance %s (total %s, paid %s)",
		e.InvoiceID, e.Attempted, e.Total.Sub(e.Paid), e.Total, e.Paid)
}

// Unwrap exposes both the specific and the general kind.
func (e *OverpaymentError) Unwrap() []error { return []error{ErrOverpayment, ErrValidation} }
