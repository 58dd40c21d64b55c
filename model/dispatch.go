/*
Copyright 2025 Payrail Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package model

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// AssignmentStatus is the lifecycle state of an offer made to one agent.
// pending is the only non-terminal state; the first terminal transition wins.
type AssignmentStatus string

const (
	AssignmentPending  AssignmentStatus = "pending"
	AssignmentAccepted AssignmentStatus = "accepted"
	AssignmentRejected AssignmentStatus = "rejected"
	AssignmentExpired  AssignmentStatus = "expired"
)

var (
	// ErrAssignmentResolved is returned when an accept/reject/expiry event
	// arrives for an assignment already in a terminal state. Callers treat
	// it as an idempotent no-op.
	ErrAssignmentResolved = errors.New("assignment already resolved")

	// ErrOfferExpired is returned when an accept arrives after the offer
	// deadline has passed.
	ErrOfferExpired = errors.New("assignment offer has expired")
)

// CandidateEvaluation is a snapshot of one agent's suitability taken while a
// round was evaluated. Written once, never mutated.
type CandidateEvaluation struct {
	ID             int64         `json:"-"`
	EvaluationID   string        `json:"evaluation_id"`
	RoundID        string        `json:"round_id"`
	AgentID        string        `json:"agent_id"`
	AccountID      string        `json:"account_id"`
	PaymentAddress string        `json:"payment_address,omitempty"`
	OnlineStatus   OnlineStatus  `json:"online_status"`
	AccountStatus  AccountStatus `json:"account_status"`
	Score          float64       `json:"score"`
	Selected       bool          `json:"selected"`
	FailureCode    FailureCode   `json:"failure_code,omitempty"`
	FailureReason  string        `json:"failure_reason,omitempty"`
}

// DispatchRound is one full candidate-evaluation-and-offer cycle for a
// transaction. Rounds are append-only audit facts; round numbers are 1-based
// and contiguous per transaction.
type DispatchRound struct {
	ID               int64                 `json:"-"`
	RoundID          string                `json:"round_id"`
	TransactionID    string                `json:"transaction_id"`
	RoundNumber      int                   `json:"round_number"`
	Success          bool                  `json:"success"`
	FailureCode      FailureCode           `json:"failure_code,omitempty"`
	FailureReason    string                `json:"failure_reason,omitempty"`
	TotalCandidates  int                   `json:"total_candidates"`
	FailedCandidates int                   `json:"failed_candidates"`
	Candidates       []CandidateEvaluation `json:"candidates"`
	CreatedAt        time.Time             `json:"created_at"`
}

// NewDispatchRound builds a round record with derived counters. Candidates
// carrying a failure code count as failed.
func NewDispatchRound(transactionID string, number int, candidates []CandidateEvaluation) *DispatchRound {
	round := &DispatchRound{
		RoundID:       GenerateUUIDWithSuffix("rnd"),
		TransactionID: transactionID,
		RoundNumber:   number,
		Candidates:    candidates,
		CreatedAt:     time.Now(),
	}
	round.TotalCandidates = len(candidates)
	for _, c := range candidates {
		if c.FailureCode != "" {
			round.FailedCandidates++
		}
	}
	return round
}

// SelectedCandidate returns the evaluation flagged selected, if any.
func (round *DispatchRound) SelectedCandidate() *CandidateEvaluation {
	for i := range round.Candidates {
		if round.Candidates[i].Selected {
			return &round.Candidates[i]
		}
	}
	return nil
}

// Assignment is the offer of a transaction to one selected agent. At most
// one pending assignment may exist per transaction; the database enforces
// this with a partial unique index and the lifecycle methods below make
// invalid transitions unrepresentable in memory.
type Assignment struct {
	ID              int64            `json:"-"`
	AssignmentID    string           `json:"assignment_id"`
	RoundID         string           `json:"round_id"`
	TransactionID   string           `json:"transaction_id"`
	AgentID         string           `json:"agent_id"`
	AccountID       string           `json:"account_id"`
	Amount          decimal.Decimal  `json:"amount"`
	Currency        string           `json:"currency"`
	Status          AssignmentStatus `json:"status"`
	CreatedAt       time.Time        `json:"created_at"`
	ExpiresAt       time.Time        `json:"expires_at"`
	ResolvedAt      *time.Time       `json:"resolved_at,omitempty"`
	ResolvedBy      string           `json:"resolved_by,omitempty"`
	RejectionReason string           `json:"rejection_reason,omitempty"`
}

// NewAssignment creates a pending offer for the selected candidate with the
// configured TTL.
func NewAssignment(round *DispatchRound, candidate *CandidateEvaluation, transaction *Transaction, ttl time.Duration) *Assignment {
	return &Assignment{
		AssignmentID:  GenerateUUIDWithSuffix("asg"),
		RoundID:       round.RoundID,
		TransactionID: transaction.TransactionID,
		AgentID:       candidate.AgentID,
		AccountID:     candidate.AccountID,
		Amount:        transaction.Amount,
		Currency:      transaction.Currency,
		Status:        AssignmentPending,
		CreatedAt:     time.Now(),
		ExpiresAt:     time.Now().Add(ttl),
	}
}

// Accept transitions pending → accepted. Valid only while pending and before
// the offer deadline.
func (a *Assignment) Accept(now time.Time) error {
	if a.Status != AssignmentPending {
		return ErrAssignmentResolved
	}
	if now.After(a.ExpiresAt) {
		return ErrOfferExpired
	}
	a.Status = AssignmentAccepted
	a.ResolvedAt = &now
	a.ResolvedBy = a.AgentID
	return nil
}

// Reject transitions pending → rejected, recording the actor and reason.
func (a *Assignment) Reject(now time.Time, actor, reason string) error {
	if a.Status != AssignmentPending {
		return ErrAssignmentResolved
	}
	a.Status = AssignmentRejected
	a.ResolvedAt = &now
	a.ResolvedBy = actor
	a.RejectionReason = reason
	return nil
}

// Expire transitions pending → expired once the offer deadline elapses.
func (a *Assignment) Expire(now time.Time) error {
	if a.Status != AssignmentPending {
		return ErrAssignmentResolved
	}
	a.Status = AssignmentExpired
	a.ResolvedAt = &now
	return nil
}

// Terminal reports whether the assignment has reached a final state.
func (a *Assignment) Terminal() bool {
	return a.Status != AssignmentPending
}
