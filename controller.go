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
	"fmt"
	"log"
	"time"

	"github.com/payrail/dispatch/config"
	"github.com/payrail/dispatch/internal/apierror"
	redlock "github.com/payrail/dispatch/internal/lock"
	"github.com/payrail/dispatch/internal/notification"
	"github.com/payrail/dispatch/model"
)

// StartDispatch records a transaction for dispatch and schedules its first
// round. Submitting the same transaction ID twice returns the already
// recorded transaction instead of starting a second dispatch.
func (d *Dispatch) StartDispatch(ctx context.Context, transaction *model.Transaction) (*model.Transaction, error) {
	ctx, span := tracer.Start(ctx, "Starting dispatch")
	defer span.End()

	if transaction.TransactionID == "" {
		transaction.TransactionID = model.GenerateUUIDWithSuffix("txn")
	}
	transaction.Status = model.StatusDispatching
	transaction.CreatedAt = time.Now()

	recorded, err := d.datasource.RecordDispatchTransaction(ctx, transaction)
	if err != nil {
		if apiErr, ok := err.(apierror.APIError); ok && apiErr.Code == apierror.ErrConflict {
			return d.datasource.GetDispatchTransaction(ctx, transaction.TransactionID)
		}
		return nil, err
	}

	if err := d.queue.EnqueueRound(ctx, recorded.TransactionID, 1); err != nil {
		notification.NotifyError(err)
		return nil, err
	}
	return recorded, nil
}

// ProcessRound runs one evaluation-and-offer cycle for a transaction. It is
// the round task handler and must tolerate redelivery: a round number already
// present in the history is a logged no-op, and a transaction already in a
// terminal state is left untouched.
func (d *Dispatch) ProcessRound(ctx context.Context, transactionID string, roundNumber int) error {
	ctx, span := tracer.Start(ctx, "Processing dispatch round")
	defer span.End()

	cfg, err := config.Fetch()
	if err != nil {
		return err
	}

	locker := redlock.NewLocker(d.redis, fmt.Sprintf("dispatch:%s", transactionID), model.GenerateUUIDWithSuffix("loc"))
	if err := locker.WaitLock(ctx, 30*time.Second, 2*time.Minute); err != nil {
		return err
	}
	defer func() {
		if err := locker.Unlock(ctx); err != nil {
			log.Println("failed to release lock", err)
		}
	}()

	transaction, err := d.datasource.GetDispatchTransaction(ctx, transactionID)
	if err != nil {
		return err
	}
	if transaction.Terminal() {
		log.Printf("round %d skipped: transaction %s already %s", roundNumber, transactionID, transaction.Status)
		return nil
	}

	if deadline := cfg.Dispatch.OverallDeadline(); deadline > 0 && time.Since(transaction.CreatedAt) > deadline {
		return d.failDispatch(ctx, transaction, model.FailureDeadline, "overall dispatch deadline exceeded")
	}
	if roundNumber > cfg.Dispatch.MaxRounds {
		return d.failDispatch(ctx, transaction, model.FailureMaxRounds, fmt.Sprintf("round %d exceeds the configured maximum of %d", roundNumber, cfg.Dispatch.MaxRounds))
	}

	lastRound, err := d.datasource.MaxRoundNumber(ctx, transactionID)
	if err != nil {
		return err
	}
	if roundNumber <= lastRound {
		return d.resumeRecordedRound(ctx, transaction, roundNumber, cfg)
	}

	pending, err := d.datasource.GetPendingAssignment(ctx, transactionID)
	if err != nil {
		return err
	}
	if pending != nil {
		log.Printf("round %d skipped: transaction %s still has pending assignment %s", roundNumber, transactionID, pending.AssignmentID)
		return nil
	}

	round, selected, err := d.resolveCandidates(ctx, transaction, roundNumber)
	if err != nil {
		return err
	}

	if err := d.recordRoundWithRetry(ctx, round); err != nil {
		// The audit record is a precondition for the offer. Without it the
		// round never happened; the task retries and re-evaluates.
		notification.NotifyError(err)
		return logAndRecordError(span, "failed to record dispatch round", err)
	}

	if selected == nil {
		return d.failDispatch(ctx, transaction, round.FailureCode, round.FailureReason)
	}

	return d.offerAssignment(ctx, transaction, round, selected, cfg)
}

// offerAssignment creates the pending offer for a recorded round, arms its
// expiry timer and notifies the selected agent.
func (d *Dispatch) offerAssignment(ctx context.Context, transaction *model.Transaction, round *model.DispatchRound, selected *model.CandidateEvaluation, cfg *config.Configuration) error {
	assignment := model.NewAssignment(round, selected, transaction, cfg.Dispatch.OfferTTL())
	if _, err := d.datasource.CreateAssignment(ctx, assignment); err != nil {
		if apiErr, ok := err.(apierror.APIError); ok && apiErr.Code == apierror.ErrConflict {
			log.Printf("transaction %s already has a pending assignment, offer for round %d dropped", transaction.TransactionID, round.RoundNumber)
			return nil
		}
		return err
	}

	if err := d.queue.QueueOfferExpiry(ctx, assignment.AssignmentID, assignment.ExpiresAt); err != nil {
		notification.NotifyError(err)
		return err
	}

	d.notifyAgentOffer(ctx, assignment)
	return nil
}

// resumeRecordedRound handles a redelivered task whose round number is
// already on record. The round insert gates the offer, so a transient
// failure after the insert (creating the assignment, arming the expiry
// timer, a crash in between) leaves a recorded round with no offer. The
// redelivered task picks that work back up instead of dropping it and
// stranding the transaction in dispatching.
func (d *Dispatch) resumeRecordedRound(ctx context.Context, transaction *model.Transaction, roundNumber int, cfg *config.Configuration) error {
	pending, err := d.datasource.GetPendingAssignment(ctx, transaction.TransactionID)
	if err != nil {
		return err
	}
	if pending != nil {
		// The offer exists; re-arm its expiry timer in case the first
		// enqueue was lost. The assignment-keyed task ID dedupes this.
		return d.queue.QueueOfferExpiry(ctx, pending.AssignmentID, pending.ExpiresAt)
	}

	round, err := d.datasource.GetRound(ctx, transaction.TransactionID, roundNumber)
	if err != nil {
		return err
	}
	selected := round.SelectedCandidate()
	if selected == nil {
		// The round concluded without an offer; make sure the dispatch
		// reached its terminal state before dropping the task.
		return d.failDispatch(ctx, transaction, round.FailureCode, round.FailureReason)
	}

	existing, err := d.datasource.GetRoundAssignment(ctx, round.RoundID)
	if err != nil {
		return err
	}
	if existing != nil {
		log.Printf("round %d for transaction %s already ran to completion, skipping duplicate task", roundNumber, transaction.TransactionID)
		return nil
	}

	log.Printf("round %d for transaction %s was recorded without an offer, resuming", roundNumber, transaction.TransactionID)
	return d.offerAssignment(ctx, transaction, round, selected, cfg)
}

// CancelDispatch halts dispatch for a transaction that is still in flight:
// the open offer, if any, is revoked and the transaction settles in
// dispatch_failed with the cancelled code. Cancelling an already concluded
// dispatch is a conflict.
func (d *Dispatch) CancelDispatch(ctx context.Context, transactionID, reason string) (*model.Transaction, error) {
	ctx, span := tracer.Start(ctx, "Cancelling dispatch")
	defer span.End()

	locker := redlock.NewLocker(d.redis, fmt.Sprintf("dispatch:%s", transactionID), model.GenerateUUIDWithSuffix("loc"))
	if err := locker.WaitLock(ctx, 30*time.Second, 2*time.Minute); err != nil {
		return nil, err
	}
	defer func() {
		if err := locker.Unlock(ctx); err != nil {
			log.Println("failed to release lock", err)
		}
	}()

	transaction, err := d.datasource.GetDispatchTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if transaction.Terminal() {
		return nil, apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("Transaction '%s' dispatch already concluded with status %s", transactionID, transaction.Status), nil)
	}

	if reason == "" {
		reason = "dispatch cancelled by workflow"
	}

	pending, err := d.datasource.GetPendingAssignment(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if pending != nil {
		revoked, err := d.datasource.ResolveAssignment(ctx, pending.AssignmentID, model.AssignmentExpired, "system", reason, false)
		if err != nil {
			return nil, err
		}
		if revoked {
			if err := d.datasource.MarkEvaluationFailure(ctx, pending.RoundID, pending.AgentID, model.FailureCancelled, reason); err != nil {
				notification.NotifyError(err)
			}
			if err := d.datasource.FinalizeRoundOutcome(ctx, pending.RoundID, false, model.FailureCancelled, reason); err != nil {
				notification.NotifyError(err)
			}
		}
	}

	if err := d.failDispatch(ctx, transaction, model.FailureCancelled, reason); err != nil {
		return nil, err
	}
	return d.datasource.GetDispatchTransaction(ctx, transactionID)
}

// failDispatch concludes the transaction in dispatch_failed with the given
// code. The compare-and-set keeps a late failure from clobbering a dispatch
// that already succeeded; a lost race is logged, not retried.
func (d *Dispatch) failDispatch(ctx context.Context, transaction *model.Transaction, code model.FailureCode, reason string) error {
	updated, err := d.datasource.UpdateDispatchStatus(ctx, transaction.TransactionID, model.StatusDispatching, model.StatusDispatchFailed, code)
	if err != nil {
		return err
	}
	if !updated {
		log.Printf("transaction %s no longer dispatching, failure %s not applied", transaction.TransactionID, code)
		return nil
	}
	transaction.Status = model.StatusDispatchFailed
	transaction.FailureCode = code
	d.notifyResolved(ctx, transaction, nil, reason)
	return nil
}
