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

package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/payrail/dispatch/internal/apierror"
	"github.com/payrail/dispatch/model"
)

func newTestTransaction() *model.Transaction {
	return &model.Transaction{
		Reference: gofakeit.UUID(),
		Currency:  "USD",
		Country:   "US",
		Method:    "bank_transfer",
		Amount:    decimal.NewFromInt(int64(gofakeit.Number(50, 500))),
	}
}

// A rejection in round one must lead to a second round that offers the
// transaction to the next-best agent, and an accept there concludes the
// dispatch.
func TestRejectionTriggersSecondRound(t *testing.T) {
	ctx := context.Background()
	engine, store, queue, availability := newTestEngine(t)
	seedAgent(t, store, availability, "agt_first", 0.9)
	seedAgent(t, store, availability, "agt_second", 0.5)

	txn, err := engine.StartDispatch(ctx, newTestTransaction())
	require.NoError(t, err)
	assert.Equal(t, model.StatusDispatching, txn.Status)

	task := queue.lastRound(t)
	require.NoError(t, engine.ProcessRound(ctx, task.TransactionID, task.RoundNumber))

	first, err := store.GetPendingAssignment(ctx, txn.TransactionID)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, "agt_first", first.AgentID)

	_, err = engine.RejectAssignment(ctx, first.AssignmentID, "agt_first", "too busy")
	require.NoError(t, err)

	task = queue.lastRound(t)
	assert.Equal(t, 2, task.RoundNumber)
	require.NoError(t, engine.ProcessRound(ctx, task.TransactionID, task.RoundNumber))

	second, err := store.GetPendingAssignment(ctx, txn.TransactionID)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, "agt_second", second.AgentID)

	accepted, err := engine.AcceptAssignment(ctx, second.AssignmentID, "agt_second")
	require.NoError(t, err)
	assert.Equal(t, model.AssignmentAccepted, accepted.Status)

	final, err := store.GetDispatchTransaction(ctx, txn.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDispatched, final.Status)

	rounds, err := engine.ListRounds(ctx, txn.TransactionID)
	require.NoError(t, err)
	require.Len(t, rounds, 2)
	assert.False(t, rounds[0].Success)
	assert.Equal(t, model.FailureRejectedByAgent, rounds[0].FailureCode)
	assert.True(t, rounds[1].Success)

	agent, err := store.GetAgent(ctx, "agt_second")
	require.NoError(t, err)
	assert.Equal(t, 1, agent.CurrentLoad)
}

// With no eligible agents the dispatch must fail after exactly one round,
// with the round on record and no assignment ever created.
func TestNoCandidatesFailsInOneRound(t *testing.T) {
	ctx := context.Background()
	engine, store, queue, _ := newTestEngine(t)

	txn, err := engine.StartDispatch(ctx, newTestTransaction())
	require.NoError(t, err)

	task := queue.lastRound(t)
	require.NoError(t, engine.ProcessRound(ctx, task.TransactionID, task.RoundNumber))

	final, err := store.GetDispatchTransaction(ctx, txn.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDispatchFailed, final.Status)
	assert.Equal(t, model.FailureNoCandidates, final.FailureCode)

	rounds, err := engine.ListRounds(ctx, txn.TransactionID)
	require.NoError(t, err)
	require.Len(t, rounds, 1)
	assert.Equal(t, model.FailureNoCandidates, rounds[0].FailureCode)
	assert.Zero(t, rounds[0].TotalCandidates)

	pending, err := store.GetPendingAssignment(ctx, txn.TransactionID)
	require.NoError(t, err)
	assert.Nil(t, pending)
}

// An expired offer excludes the unresponsive agent from the next round.
func TestExpiryExcludesAgentFromNextRound(t *testing.T) {
	ctx := context.Background()
	engine, store, queue, availability := newTestEngine(t)
	seedAgent(t, store, availability, "agt_slow", 0.9)
	seedAgent(t, store, availability, "agt_backup", 0.4)

	txn, err := engine.StartDispatch(ctx, newTestTransaction())
	require.NoError(t, err)

	task := queue.lastRound(t)
	require.NoError(t, engine.ProcessRound(ctx, task.TransactionID, task.RoundNumber))

	offer, err := store.GetPendingAssignment(ctx, txn.TransactionID)
	require.NoError(t, err)
	require.NotNil(t, offer)
	assert.Equal(t, "agt_slow", offer.AgentID)

	require.NoError(t, engine.ExpireAssignment(ctx, offer.AssignmentID))

	expired, err := store.GetAssignment(ctx, offer.AssignmentID)
	require.NoError(t, err)
	assert.Equal(t, model.AssignmentExpired, expired.Status)
	assert.Equal(t, "system", expired.ResolvedBy)

	task = queue.lastRound(t)
	require.Equal(t, 2, task.RoundNumber)
	require.NoError(t, engine.ProcessRound(ctx, task.TransactionID, task.RoundNumber))

	next, err := store.GetPendingAssignment(ctx, txn.TransactionID)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, "agt_backup", next.AgentID)

	round2, err := engine.GetRound(ctx, txn.TransactionID, 2)
	require.NoError(t, err)
	for _, candidate := range round2.Candidates {
		assert.NotEqual(t, "agt_slow", candidate.AgentID)
	}
}

// Exhausting the round budget concludes the dispatch as failed with
// max_rounds_reached, with exactly MaxRounds rounds on record.
func TestMaxRoundsReached(t *testing.T) {
	ctx := context.Background()
	engine, store, queue, availability := newTestEngine(t)
	seedAgent(t, store, availability, "agt_one", 0.9)
	seedAgent(t, store, availability, "agt_two", 0.8)
	seedAgent(t, store, availability, "agt_three", 0.7)

	txn, err := engine.StartDispatch(ctx, newTestTransaction())
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		task := queue.lastRound(t)
		require.NoError(t, engine.ProcessRound(ctx, task.TransactionID, task.RoundNumber))

		offer, err := store.GetPendingAssignment(ctx, txn.TransactionID)
		require.NoError(t, err)
		require.NotNil(t, offer, "round %d should have produced an offer", i+1)

		_, err = engine.RejectAssignment(ctx, offer.AssignmentID, offer.AgentID, "declined")
		require.NoError(t, err)
	}

	final, err := store.GetDispatchTransaction(ctx, txn.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDispatchFailed, final.Status)
	assert.Equal(t, model.FailureMaxRounds, final.FailureCode)

	rounds, err := engine.ListRounds(ctx, txn.TransactionID)
	require.NoError(t, err)
	assert.Len(t, rounds, 3)
}

// A redelivered round task for an already recorded round number must leave
// no trace: no duplicate round, no duplicate offer.
func TestDuplicateRoundTaskIsNoOp(t *testing.T) {
	ctx := context.Background()
	engine, store, queue, availability := newTestEngine(t)
	seedAgent(t, store, availability, "agt_only", 0.9)

	txn, err := engine.StartDispatch(ctx, newTestTransaction())
	require.NoError(t, err)

	task := queue.lastRound(t)
	require.NoError(t, engine.ProcessRound(ctx, task.TransactionID, task.RoundNumber))
	require.NoError(t, engine.ProcessRound(ctx, task.TransactionID, task.RoundNumber))

	rounds, err := engine.ListRounds(ctx, txn.TransactionID)
	require.NoError(t, err)
	assert.Len(t, rounds, 1)
}

// The first terminal transition wins: an expiry firing after an accept
// changes nothing, and a duplicate accept is idempotent.
func TestAcceptExpiryRace(t *testing.T) {
	ctx := context.Background()
	engine, store, queue, availability := newTestEngine(t)
	seedAgent(t, store, availability, "agt_quick", 0.9)

	txn, err := engine.StartDispatch(ctx, newTestTransaction())
	require.NoError(t, err)

	task := queue.lastRound(t)
	require.NoError(t, engine.ProcessRound(ctx, task.TransactionID, task.RoundNumber))

	offer, err := store.GetPendingAssignment(ctx, txn.TransactionID)
	require.NoError(t, err)
	require.NotNil(t, offer)

	accepted, err := engine.AcceptAssignment(ctx, offer.AssignmentID, "agt_quick")
	require.NoError(t, err)
	assert.Equal(t, model.AssignmentAccepted, accepted.Status)

	// Late expiry timer: no-op.
	require.NoError(t, engine.ExpireAssignment(ctx, offer.AssignmentID))
	current, err := store.GetAssignment(ctx, offer.AssignmentID)
	require.NoError(t, err)
	assert.Equal(t, model.AssignmentAccepted, current.Status)

	// Duplicate accept: idempotent.
	again, err := engine.AcceptAssignment(ctx, offer.AssignmentID, "agt_quick")
	require.NoError(t, err)
	assert.Equal(t, model.AssignmentAccepted, again.Status)

	final, err := store.GetDispatchTransaction(ctx, txn.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDispatched, final.Status)
}

// An accept arriving after the offer deadline is refused even if the expiry
// task has not fired yet.
func TestLateAcceptIsRefused(t *testing.T) {
	ctx := context.Background()
	engine, store, queue, availability := newTestEngine(t)
	seedAgent(t, store, availability, "agt_late", 0.9)

	txn, err := engine.StartDispatch(ctx, newTestTransaction())
	require.NoError(t, err)

	task := queue.lastRound(t)
	require.NoError(t, engine.ProcessRound(ctx, task.TransactionID, task.RoundNumber))

	offer, err := store.GetPendingAssignment(ctx, txn.TransactionID)
	require.NoError(t, err)
	require.NotNil(t, offer)

	// Force the deadline into the past.
	store.mu.Lock()
	store.assignments[offer.AssignmentID].ExpiresAt = time.Now().Add(-time.Minute)
	store.mu.Unlock()

	_, err = engine.AcceptAssignment(ctx, offer.AssignmentID, "agt_late")
	require.Error(t, err)
	apiErr, ok := err.(apierror.APIError)
	require.True(t, ok)
	assert.Equal(t, apierror.ErrConflict, apiErr.Code)
}

// Cancelling an in-flight dispatch revokes the open offer and settles the
// transaction as failed with the cancelled code.
func TestCancelDispatchRevokesPendingOffer(t *testing.T) {
	ctx := context.Background()
	engine, store, queue, availability := newTestEngine(t)
	seedAgent(t, store, availability, "agt_cancel", 0.9)

	txn, err := engine.StartDispatch(ctx, newTestTransaction())
	require.NoError(t, err)

	task := queue.lastRound(t)
	require.NoError(t, engine.ProcessRound(ctx, task.TransactionID, task.RoundNumber))

	offer, err := store.GetPendingAssignment(ctx, txn.TransactionID)
	require.NoError(t, err)
	require.NotNil(t, offer)

	cancelled, err := engine.CancelDispatch(ctx, txn.TransactionID, "customer withdrew the payment")
	require.NoError(t, err)
	assert.Equal(t, model.StatusDispatchFailed, cancelled.Status)
	assert.Equal(t, model.FailureCancelled, cancelled.FailureCode)

	revoked, err := store.GetAssignment(ctx, offer.AssignmentID)
	require.NoError(t, err)
	assert.Equal(t, model.AssignmentExpired, revoked.Status)

	// Cancelling a concluded dispatch is a conflict.
	_, err = engine.CancelDispatch(ctx, txn.TransactionID, "")
	require.Error(t, err)
	apiErr, ok := err.(apierror.APIError)
	require.True(t, ok)
	assert.Equal(t, apierror.ErrConflict, apiErr.Code)
}

// Submitting a transaction ID that is already dispatching returns the
// recorded transaction instead of starting over.
func TestStartDispatchIsIdempotent(t *testing.T) {
	ctx := context.Background()
	engine, store, queue, availability := newTestEngine(t)
	seedAgent(t, store, availability, "agt_idem", 0.9)

	first := newTestTransaction()
	recorded, err := engine.StartDispatch(ctx, first)
	require.NoError(t, err)

	duplicate := newTestTransaction()
	duplicate.TransactionID = recorded.TransactionID
	again, err := engine.StartDispatch(ctx, duplicate)
	require.NoError(t, err)
	assert.Equal(t, recorded.TransactionID, again.TransactionID)

	queue.mu.Lock()
	defer queue.mu.Unlock()
	assert.Len(t, queue.rounds, 1)
}

// An availability outage is recorded honestly: every candidate gets the
// unreachable code and no offer is made on guessed state.
func TestAvailabilityOutageRecordedOnRound(t *testing.T) {
	ctx := context.Background()
	engine, store, queue, availability := newTestEngine(t)
	seedAgent(t, store, availability, "agt_dark", 0.9)
	availability.err = assert.AnError

	txn, err := engine.StartDispatch(ctx, newTestTransaction())
	require.NoError(t, err)

	task := queue.lastRound(t)
	require.NoError(t, engine.ProcessRound(ctx, task.TransactionID, task.RoundNumber))

	rounds, err := engine.ListRounds(ctx, txn.TransactionID)
	require.NoError(t, err)
	require.Len(t, rounds, 1)
	assert.Equal(t, model.FailureUnavailable, rounds[0].FailureCode)
	require.Len(t, rounds[0].Candidates, 1)
	assert.Equal(t, model.FailureUnavailable, rounds[0].Candidates[0].FailureCode)

	pending, err := store.GetPendingAssignment(ctx, txn.TransactionID)
	require.NoError(t, err)
	assert.Nil(t, pending)
}

// flakyStore fails CreateAssignment a set number of times to simulate a
// transient database error between the round insert and the offer.
type flakyStore struct {
	*memStore
	failCreateAssignments int
}

func (f *flakyStore) CreateAssignment(ctx context.Context, a *model.Assignment) (*model.Assignment, error) {
	if f.failCreateAssignments > 0 {
		f.failCreateAssignments--
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "connection reset by peer", nil)
	}
	return f.memStore.CreateAssignment(ctx, a)
}

// flakyQueue fails QueueOfferExpiry a set number of times to simulate a lost
// expiry enqueue after the offer was created.
type flakyQueue struct {
	*fakeQueue
	failExpiries int
}

func (f *flakyQueue) QueueOfferExpiry(ctx context.Context, assignmentID string, expiresAt time.Time) error {
	if f.failExpiries > 0 {
		f.failExpiries--
		return assert.AnError
	}
	return f.fakeQueue.QueueOfferExpiry(ctx, assignmentID, expiresAt)
}

// A transient failure creating the assignment after the round was durably
// recorded must not strand the transaction in dispatching: the redelivered
// task resumes the recorded round and creates the offer from the recorded
// evaluation, without a duplicate round.
func TestRedeliveryResumesRoundAfterAssignmentFailure(t *testing.T) {
	ctx := context.Background()
	engine, store, queue, availability := newTestEngine(t)
	seedAgent(t, store, availability, "agt_resume", 0.9)
	engine.datasource = &flakyStore{memStore: store, failCreateAssignments: 1}

	txn, err := engine.StartDispatch(ctx, newTestTransaction())
	require.NoError(t, err)

	task := queue.lastRound(t)
	require.Error(t, engine.ProcessRound(ctx, task.TransactionID, task.RoundNumber))

	// The round is on record but the offer never materialized.
	rounds, err := engine.ListRounds(ctx, txn.TransactionID)
	require.NoError(t, err)
	require.Len(t, rounds, 1)
	pending, err := store.GetPendingAssignment(ctx, txn.TransactionID)
	require.NoError(t, err)
	require.Nil(t, pending)

	// Redelivery of the same task picks the round back up.
	require.NoError(t, engine.ProcessRound(ctx, task.TransactionID, task.RoundNumber))

	pending, err = store.GetPendingAssignment(ctx, txn.TransactionID)
	require.NoError(t, err)
	require.NotNil(t, pending)
	assert.Equal(t, "agt_resume", pending.AgentID)
	assert.Equal(t, rounds[0].RoundID, pending.RoundID)

	rounds, err = engine.ListRounds(ctx, txn.TransactionID)
	require.NoError(t, err)
	assert.Len(t, rounds, 1)

	current, err := store.GetDispatchTransaction(ctx, txn.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDispatching, current.Status)

	queue.mu.Lock()
	defer queue.mu.Unlock()
	require.Len(t, queue.expiries, 1)
	assert.Equal(t, pending.AssignmentID, queue.expiries[0].AssignmentID)
}

// Losing the expiry enqueue leaves a pending offer with no timer; the
// redelivered round task re-arms it instead of treating the round as done.
func TestRedeliveryRearmsLostExpiryTimer(t *testing.T) {
	ctx := context.Background()
	engine, store, queue, availability := newTestEngine(t)
	seedAgent(t, store, availability, "agt_timer", 0.9)
	engine.queue = &flakyQueue{fakeQueue: queue, failExpiries: 1}

	txn, err := engine.StartDispatch(ctx, newTestTransaction())
	require.NoError(t, err)

	task := queue.lastRound(t)
	require.Error(t, engine.ProcessRound(ctx, task.TransactionID, task.RoundNumber))

	pending, err := store.GetPendingAssignment(ctx, txn.TransactionID)
	require.NoError(t, err)
	require.NotNil(t, pending)
	queue.mu.Lock()
	require.Empty(t, queue.expiries)
	queue.mu.Unlock()

	require.NoError(t, engine.ProcessRound(ctx, task.TransactionID, task.RoundNumber))

	queue.mu.Lock()
	defer queue.mu.Unlock()
	require.Len(t, queue.expiries, 1)
	assert.Equal(t, pending.AssignmentID, queue.expiries[0].AssignmentID)
}

// A second reject after the offer is already resolved is a no-op: the
// recorded resolution is unchanged and no extra round task is enqueued.
func TestDuplicateRejectIsNoOp(t *testing.T) {
	ctx := context.Background()
	engine, store, queue, availability := newTestEngine(t)
	seedAgent(t, store, availability, "agt_dup", 0.9)
	seedAgent(t, store, availability, "agt_next", 0.5)

	txn, err := engine.StartDispatch(ctx, newTestTransaction())
	require.NoError(t, err)

	task := queue.lastRound(t)
	require.NoError(t, engine.ProcessRound(ctx, task.TransactionID, task.RoundNumber))

	offer, err := store.GetPendingAssignment(ctx, txn.TransactionID)
	require.NoError(t, err)
	require.NotNil(t, offer)
	assert.Equal(t, "agt_dup", offer.AgentID)

	_, err = engine.RejectAssignment(ctx, offer.AssignmentID, "agt_dup", "too busy")
	require.NoError(t, err)

	queue.mu.Lock()
	enqueued := len(queue.rounds)
	queue.mu.Unlock()

	again, err := engine.RejectAssignment(ctx, offer.AssignmentID, "agt_dup", "still too busy")
	require.NoError(t, err)
	assert.Equal(t, model.AssignmentRejected, again.Status)
	assert.Equal(t, "too busy", again.RejectionReason)

	queue.mu.Lock()
	defer queue.mu.Unlock()
	assert.Len(t, queue.rounds, enqueued)
}

// An offline agent is skipped and recorded with the offline code while an
// online peer with a lower base score still wins the round.
func TestOfflineAgentSkipped(t *testing.T) {
	ctx := context.Background()
	engine, store, queue, availability := newTestEngine(t)
	seedAgent(t, store, availability, "agt_offline", 0.99)
	seedAgent(t, store, availability, "agt_online", 0.1)
	availability.set("agt_offline", model.AgentOffline, 0, 0.99)

	txn, err := engine.StartDispatch(ctx, newTestTransaction())
	require.NoError(t, err)

	task := queue.lastRound(t)
	require.NoError(t, engine.ProcessRound(ctx, task.TransactionID, task.RoundNumber))

	offer, err := store.GetPendingAssignment(ctx, txn.TransactionID)
	require.NoError(t, err)
	require.NotNil(t, offer)
	assert.Equal(t, "agt_online", offer.AgentID)

	round, err := engine.GetRound(ctx, txn.TransactionID, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, round.TotalCandidates)
	assert.Equal(t, 1, round.FailedCandidates)
	for _, candidate := range round.Candidates {
		if candidate.AgentID == "agt_offline" {
			assert.Equal(t, model.FailureOffline, candidate.FailureCode)
		}
	}
}
