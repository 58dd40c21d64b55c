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

// AcceptAssignment settles an agent's acceptance of an open offer. The
// conditional status transition in the database is the race arbiter: if the
// offer expired or was revoked a heartbeat earlier, the accept loses and the
// agent gets an explicit error instead of a phantom assignment. A duplicate
// accept of an already accepted offer is idempotent.
func (d *Dispatch) AcceptAssignment(ctx context.Context, assignmentID, agentID string) (*model.Assignment, error) {
	ctx, span := tracer.Start(ctx, "Accepting assignment")
	defer span.End()

	assignment, err := d.datasource.GetAssignment(ctx, assignmentID)
	if err != nil {
		return nil, err
	}
	if agentID != "" && agentID != assignment.AgentID {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, fmt.Sprintf("Assignment '%s' was not offered to agent '%s'", assignmentID, agentID), nil)
	}

	locker := redlock.NewLocker(d.redis, fmt.Sprintf("dispatch:%s", assignment.TransactionID), model.GenerateUUIDWithSuffix("loc"))
	if err := locker.WaitLock(ctx, 30*time.Second, 2*time.Minute); err != nil {
		return nil, err
	}
	defer func() {
		if err := locker.Unlock(ctx); err != nil {
			log.Println("failed to release lock", err)
		}
	}()

	accepted, err := d.datasource.ResolveAssignment(ctx, assignmentID, model.AssignmentAccepted, assignment.AgentID, "", true)
	if err != nil {
		return nil, err
	}
	if !accepted {
		current, err := d.datasource.GetAssignment(ctx, assignmentID)
		if err != nil {
			return nil, err
		}
		switch current.Status {
		case model.AssignmentAccepted:
			log.Printf("assignment %s already accepted, treating duplicate accept as no-op", assignmentID)
			return current, nil
		case model.AssignmentPending:
			// Still pending but past the deadline; the expiry task owns the
			// terminal transition.
			return nil, apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("Assignment '%s' offer has expired", assignmentID), model.ErrOfferExpired)
		default:
			return nil, apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("Assignment '%s' already resolved as %s", assignmentID, current.Status), model.ErrAssignmentResolved)
		}
	}

	dispatched, err := d.datasource.UpdateDispatchStatus(ctx, assignment.TransactionID, model.StatusDispatching, model.StatusDispatched, "")
	if err != nil {
		return nil, err
	}
	if !dispatched {
		// The assignment transitioned but the transaction was not
		// dispatching. That pairing should be unrepresentable.
		notification.NotifyError(fmt.Errorf("assignment %s accepted but transaction %s was not dispatching", assignmentID, assignment.TransactionID))
	}

	reserved, err := d.datasource.IncrementAgentLoad(ctx, assignment.AgentID)
	if err != nil {
		notification.NotifyError(err)
	} else if !reserved {
		notification.NotifyError(fmt.Errorf("agent %s accepted assignment %s while at capacity", assignment.AgentID, assignmentID))
	}

	if err := d.datasource.FinalizeRoundOutcome(ctx, assignment.RoundID, true, "", ""); err != nil {
		notification.NotifyError(err)
	}

	assignment, err = d.datasource.GetAssignment(ctx, assignmentID)
	if err != nil {
		return nil, err
	}

	transaction, err := d.datasource.GetDispatchTransaction(ctx, assignment.TransactionID)
	if err != nil {
		notification.NotifyError(err)
	} else {
		d.notifyResolved(ctx, transaction, assignment, "")
	}
	return assignment, nil
}

// RejectAssignment settles an agent's rejection of an open offer and moves
// the transaction to its next round, or to dispatch_failed when the round
// budget is spent. Rejecting an already resolved offer is a logged no-op.
func (d *Dispatch) RejectAssignment(ctx context.Context, assignmentID, agentID, reason string) (*model.Assignment, error) {
	ctx, span := tracer.Start(ctx, "Rejecting assignment")
	defer span.End()

	assignment, err := d.datasource.GetAssignment(ctx, assignmentID)
	if err != nil {
		return nil, err
	}
	if agentID != "" && agentID != assignment.AgentID {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, fmt.Sprintf("Assignment '%s' was not offered to agent '%s'", assignmentID, agentID), nil)
	}

	locker := redlock.NewLocker(d.redis, fmt.Sprintf("dispatch:%s", assignment.TransactionID), model.GenerateUUIDWithSuffix("loc"))
	if err := locker.WaitLock(ctx, 30*time.Second, 2*time.Minute); err != nil {
		return nil, err
	}
	defer func() {
		if err := locker.Unlock(ctx); err != nil {
			log.Println("failed to release lock", err)
		}
	}()

	rejected, err := d.datasource.ResolveAssignment(ctx, assignmentID, model.AssignmentRejected, assignment.AgentID, reason, false)
	if err != nil {
		return nil, err
	}
	if !rejected {
		log.Printf("assignment %s already resolved, reject from agent %s is a no-op", assignmentID, assignment.AgentID)
		return d.datasource.GetAssignment(ctx, assignmentID)
	}

	if err := d.concludeFailedOffer(ctx, assignment, model.FailureRejectedByAgent, reason); err != nil {
		return nil, err
	}
	return d.datasource.GetAssignment(ctx, assignmentID)
}

// ExpireAssignment is the offer-expiry task handler. It fires at the offer
// deadline; if the agent accepted or rejected in the meantime the conditional
// transition matches nothing and the task ends quietly.
func (d *Dispatch) ExpireAssignment(ctx context.Context, assignmentID string) error {
	ctx, span := tracer.Start(ctx, "Expiring assignment")
	defer span.End()

	assignment, err := d.datasource.GetAssignment(ctx, assignmentID)
	if err != nil {
		return err
	}
	if assignment.Terminal() {
		return nil
	}

	locker := redlock.NewLocker(d.redis, fmt.Sprintf("dispatch:%s", assignment.TransactionID), model.GenerateUUIDWithSuffix("loc"))
	if err := locker.WaitLock(ctx, 30*time.Second, 2*time.Minute); err != nil {
		return err
	}
	defer func() {
		if err := locker.Unlock(ctx); err != nil {
			log.Println("failed to release lock", err)
		}
	}()

	reason := fmt.Sprintf("agent %s did not respond before the offer deadline", assignment.AgentID)
	expired, err := d.datasource.ResolveAssignment(ctx, assignmentID, model.AssignmentExpired, "system", reason, false)
	if err != nil {
		return err
	}
	if !expired {
		log.Printf("assignment %s resolved before expiry, timer is a no-op", assignmentID)
		return nil
	}

	return d.concludeFailedOffer(ctx, assignment, model.FailureExpired, reason)
}

// concludeFailedOffer records the failed outcome on the round history and
// either schedules the next round or concludes the dispatch when the round
// budget is exhausted.
func (d *Dispatch) concludeFailedOffer(ctx context.Context, assignment *model.Assignment, code model.FailureCode, reason string) error {
	if err := d.datasource.MarkEvaluationFailure(ctx, assignment.RoundID, assignment.AgentID, code, reason); err != nil {
		notification.NotifyError(err)
	}
	if err := d.datasource.FinalizeRoundOutcome(ctx, assignment.RoundID, false, code, reason); err != nil {
		notification.NotifyError(err)
	}

	cfg, err := config.Fetch()
	if err != nil {
		return err
	}
	lastRound, err := d.datasource.MaxRoundNumber(ctx, assignment.TransactionID)
	if err != nil {
		return err
	}

	transaction, err := d.datasource.GetDispatchTransaction(ctx, assignment.TransactionID)
	if err != nil {
		return err
	}
	if transaction.Terminal() {
		return nil
	}

	nextRound := lastRound + 1
	if nextRound > cfg.Dispatch.MaxRounds {
		return d.failDispatch(ctx, transaction, model.FailureMaxRounds, fmt.Sprintf("all %d dispatch rounds exhausted", cfg.Dispatch.MaxRounds))
	}
	if deadline := cfg.Dispatch.OverallDeadline(); deadline > 0 && time.Since(transaction.CreatedAt) > deadline {
		return d.failDispatch(ctx, transaction, model.FailureDeadline, "overall dispatch deadline exceeded")
	}
	return d.queue.EnqueueRound(ctx, assignment.TransactionID, nextRound)
}
