package model

import (
	"fmt"
	"time"
)

// OrderStatus is the lifecycle state of a MeasurementReport. The machine is
// strictly forward: once a report reaches a terminal state it never moves.
type OrderStatus string

const (
	StatusPending    OrderStatus = "PENDING"    // created locally, not yet submitted
	StatusOrdered    OrderStatus = "ORDERED"    // accepted by provider, external id known
	StatusProcessing OrderStatus = "PROCESSING" // provider confirmed work started
	StatusDelivered  OrderStatus = "DELIVERED"  // terminal success
	StatusFailed     OrderStatus = "FAILED"     // terminal error
	StatusCancelled  OrderStatus = "CANCELLED"  // terminal explicit abort
)

// Terminal reports whether s permits no further transitions.
func (s OrderStatus) Terminal() bool {
	return s == StatusDelivered || s == StatusFailed || s == StatusCancelled
}

// legalTransitions maps each non-terminal state to its allowed successors.
// FAILED and CANCELLED are reachable from any non-terminal state.
var legalTransitions = map[OrderStatus][]OrderStatus{
	StatusPending:    {StatusOrdered, StatusFailed, StatusCancelled},
	StatusOrdered:    {StatusProcessing, StatusDelivered, StatusFailed, StatusCancelled},
	StatusProcessing: {StatusDelivered, StatusFailed, StatusCancelled},
}

// CanTransition reports whether from→to is a legal state machine move.
func (s OrderStatus) CanTransition(to OrderStatus) bool {
	for _, next := range legalTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// StateViolationError is returned when an illegal transition is attempted.
// This indicates a programming or data error; it is logged loudly and the
// request rejected, never retried.
type StateViolationError struct {
	ReportID string
	From     OrderStatus
	To       OrderStatus
}

func (e *StateViolationError) Error() string {
	return fmt.Sprintf("state violation: report %s cannot transition %s -> %s", e.ReportID, e.From, e.To)
}

// Transition moves the report to the given status, stamping DeliveredAt on
// delivery. It returns a *StateViolationError for illegal moves.
func (r *MeasurementReport) Transition(to OrderStatus, now time.Time) error {
	if !r.Status.CanTransition(to) {
		return &StateViolationError{ReportID: r.ID, From: r.Status, To: to}
	}
	r.Status = to
	r.UpdatedAt = now
	switch to {
	case StatusOrdered:
		t := now
		r.OrderedAt = &t
	case StatusDelivered:
		t := now
		r.DeliveredAt = &t
	}
	return nil
}
