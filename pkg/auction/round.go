package auction

import (
	"fmt"
	"time"
)

// RoundID identifies a batch round. The first round started is 1.
type RoundID uint64

// OrderID is unique within a round, starts at 1 and has no gaps.
type OrderID uint64

// RoundState is the lifecycle state of a round.
type RoundState uint8

const (
	StatePending RoundState = iota
	StateActive
	StateRevealing
	StateClearing
	StateExecuting
	StateCompleted
)

func (s RoundState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateActive:
		return "active"
	case StateRevealing:
		return "revealing"
	case StateClearing:
		return "clearing"
	case StateExecuting:
		return "executing"
	case StateCompleted:
		return "completed"
	}
	return fmt.Sprintf("unknown(%d)", uint8(s))
}

func (s RoundState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *RoundState) UnmarshalText(b []byte) error {
	switch string(b) {
	case "pending":
		*s = StatePending
	case "active":
		*s = StateActive
	case "revealing":
		*s = StateRevealing
	case "clearing":
		*s = StateClearing
	case "executing":
		*s = StateExecuting
	case "completed":
		*s = StateCompleted
	default:
		return fmt.Errorf("unknown round state %q", string(b))
	}
	return nil
}

// Round is the state of a single batch. Values handed out by the state
// machine are snapshots; mutating them has no effect on the machine.
type Round struct {
	ID          RoundID       `json:"round_id"`
	State       RoundState    `json:"state"`
	StartTime   time.Time     `json:"start_time"`
	Duration    time.Duration `json:"duration"`
	// ClosedAt is set when the Active window was ended early by an admin.
	ClosedAt    time.Time     `json:"closed_at,omitempty"`
	CompletedAt time.Time     `json:"completed_at,omitempty"`
}

// Deadline is the end of the Active window: the configured duration after
// the start, or ClosedAt if the round was closed before that.
func (r Round) Deadline() time.Time {
	end := r.StartTime.Add(r.Duration)
	if !r.ClosedAt.IsZero() && r.ClosedAt.Before(end) {
		return r.ClosedAt
	}
	return end
}

// TimeRemaining is the time left in the Active window, zero in every other state.
func (r Round) TimeRemaining(now time.Time) time.Duration {
	if r.State != StateActive {
		return 0
	}
	left := r.Deadline().Sub(now)
	if left < 0 {
		return 0
	}
	return left
}

// RoundStatus is the read-only view returned by round state queries.
type RoundStatus struct {
	RoundID       RoundID       `json:"round_id"`
	State         RoundState    `json:"state"`
	StartTime     time.Time     `json:"start_time"`
	Duration      time.Duration `json:"duration"`
	TimeRemaining time.Duration `json:"time_remaining"`
	Orders        int           `json:"orders"`
}

// PricePoint is one entry of the clearing price history.
type PricePoint struct {
	RoundID   RoundID   `json:"round_id"`
	Price     int64     `json:"price"`
	Volume    int64     `json:"volume"`
	Timestamp time.Time `json:"timestamp"`
}
