package domain

import (
	"errors"
	"fmt"
)

// InfeasibleRequestError rejects a submission synchronously: cyclic DAG or a
// resource vector no node in the farm could ever satisfy.
type InfeasibleRequestError struct {
	Reason string
}

func (e *InfeasibleRequestError) Error() string {
	return fmt.Sprintf("infeasible request: %s", e.Reason)
}

func NewInfeasibleRequest(format string, args ...interface{}) error {
	return &InfeasibleRequestError{Reason: fmt.Sprintf(format, args...)}
}

func IsInfeasibleRequest(err error) bool {
	var ir *InfeasibleRequestError
	return errors.As(err, &ir)
}

// TransientDispatchFailure marks a dispatch nack, an unreachable node or a
// heartbeat timeout. Retried per the job's RetryPolicy; exhausted retries
// escalate to a task failure.
type TransientDispatchFailure struct {
	TaskID string
	Cause  error
}

func (e *TransientDispatchFailure) Error() string {
	return fmt.Sprintf("transient dispatch failure for task %s: %v", e.TaskID, e.Cause)
}

func (e *TransientDispatchFailure) Unwrap() error { return e.Cause }

// QuotaExhaustedError rejects a submission when a tenant has hit its
// concurrent job limit.
type QuotaExhaustedError struct {
	TenantID string
	Reason   string
}

func (e *QuotaExhaustedError) Error() string {
	return fmt.Sprintf("quota exhausted for tenant %s: %s", e.TenantID, e.Reason)
}

func NewQuotaExhausted(tenantID, format string, args ...interface{}) error {
	return &QuotaExhaustedError{TenantID: tenantID, Reason: fmt.Sprintf(format, args...)}
}

func IsQuotaExhausted(err error) bool {
	var qe *QuotaExhaustedError
	return errors.As(err, &qe)
}

// ErrNoEligibleNode is returned by the node matcher when no node passes the
// mandatory capability and capacity filters.
var ErrNoEligibleNode = errors.New("no eligible node")

// ErrJobNotFound is returned by status queries for unknown job ids.
var ErrJobNotFound = errors.New("job not found")
