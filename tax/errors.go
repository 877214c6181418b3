/*
errors.go - Centralized error taxonomy for the engine

PURPOSE:
  All error types in one place. Components wrap these with context;
  callers classify with errors.Is / errors.As or the helpers below.

ERROR CATEGORIES:
  1. RuleNotFound - no rule entry covers the requested date (fatal)
  2. InvalidInput - negative amounts, malformed periods (fatal, rejected
     before any ledger read)
  3. LossAllocationConflict - concurrent ledger modification detected at
     commit (retried once by the orchestrator, then surfaced)
  4. PersistenceFailure - the atomic commit failed; nothing was applied
     (retryable)

Every fatal error leaving the orchestrator is a *CalculationError naming the
taxpayer, regime and period that triggered it.
*/
package tax

import (
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrRuleNotFound = errors.New("rule not found")

	ErrInvalidInput = errors.New("invalid input")

	// ErrInvalidAmount is an ErrInvalidInput for non-positive ledger amounts.
	ErrInvalidAmount = fmt.Errorf("%w: amount must be positive", ErrInvalidInput)

	// ErrRuleOverlap is returned when a rule's effective interval intersects an
	// existing entry for the same regime and code.
	ErrRuleOverlap = fmt.Errorf("%w: overlapping rule effective period", ErrInvalidInput)

	// ErrRuleImmutable is returned when a change would alter a rule whose
	// effective period has already begun in a way other than closing it.
	ErrRuleImmutable = fmt.Errorf("%w: rule entry is immutable", ErrInvalidInput)

	ErrLossAllocationConflict = errors.New("loss allocation conflict")

	ErrPersistenceFailure = errors.New("persistence failure")

	ErrCalculationNotFound = errors.New("calculation not found")
	ErrLossNotFound        = errors.New("loss record not found")

	// ErrDuplicateApplication is returned when a (loss, calculation, kind)
	// application already exists.
	ErrDuplicateApplication = errors.New("duplicate loss application")

	// ErrInvalidState is returned when a calculation run is driven through a
	// transition its current state does not allow.
	ErrInvalidState = errors.New("invalid calculation state transition")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// RuleNotFoundError details a failed catalog lookup.
type RuleNotFoundError struct {
	Regime Regime
	Code   RuleCode
	AsOf   time.Time
}

func (e *RuleNotFoundError) Error() string {
	return fmt.Sprintf("rule not found: %s/%s as of %s", e.Regime, e.Code, e.AsOf.Format("2006-01-02"))
}

func (e *RuleNotFoundError) Unwrap() error { return ErrRuleNotFound }

// InputError names the offending field.
type InputError struct {
	Field  string
	Reason string
}

func (e *InputError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *InputError) Unwrap() error { return ErrInvalidInput }

// PersistenceError wraps an underlying storage failure.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() []error { return []error{ErrPersistenceFailure, e.Err} }

// Persistence wraps err as a PersistenceError unless it already belongs to the
// taxonomy, in which case it is returned unchanged.
func Persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrPersistenceFailure) ||
		errors.Is(err, ErrLossAllocationConflict) ||
		errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrRuleNotFound) ||
		errors.Is(err, ErrCalculationNotFound) ||
		errors.Is(err, ErrLossNotFound) ||
		errors.Is(err, ErrDuplicateApplication) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}

// CalculationError carries the (taxpayer, regime, period) tuple a fatal error
// was raised for.
type CalculationError struct {
	Op         string
	TaxpayerID TaxpayerID
	Regime     Regime
	Period     Period
	Err        error
}

func (e *CalculationError) Error() string {
	return fmt.Sprintf("%s failed for taxpayer %s, regime %s, period %s: %v",
		e.Op, e.TaxpayerID, e.Regime, e.Period, e.Err)
}

func (e *CalculationError) Unwrap() error { return e.Err }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrLossAllocationConflict) || errors.Is(err, ErrPersistenceFailure)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidInput) || errors.Is(err, ErrInvalidState)
}

// IsNotFound returns true if the error indicates a missing resource or rule.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrRuleNotFound) ||
		errors.Is(err, ErrCalculationNotFound) ||
		errors.Is(err, ErrLossNotFound)
}
