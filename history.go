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
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/payrail/dispatch/model"
)

// recordRoundWithRetry persists the round record, retrying transient
// database failures. The history insert gates the offer, so losing it is
// worse than delaying the round.
func (d *Dispatch) recordRoundWithRetry(ctx context.Context, round *model.DispatchRound) error {
	operation := func() error {
		_, err := d.datasource.RecordRound(ctx, round)
		return err
	}
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.MaxElapsedTime = 15 * time.Second
	return backoff.Retry(operation, backoff.WithContext(expBackoff, ctx))
}

// GetDispatchTransaction returns the engine's view of a transaction.
func (d *Dispatch) GetDispatchTransaction(ctx context.Context, transactionID string) (*model.Transaction, error) {
	return d.datasource.GetDispatchTransaction(ctx, transactionID)
}

// ListRounds returns the full round history of a transaction in round order,
// evaluations included.
func (d *Dispatch) ListRounds(ctx context.Context, transactionID string) ([]*model.DispatchRound, error) {
	ctx, span := tracer.Start(ctx, "Listing dispatch rounds")
	defer span.End()
	return d.datasource.ListRounds(ctx, transactionID)
}

// GetRound returns one round of a transaction's history by round number.
func (d *Dispatch) GetRound(ctx context.Context, transactionID string, roundNumber int) (*model.DispatchRound, error) {
	ctx, span := tracer.Start(ctx, "Fetching dispatch round")
	defer span.End()
	return d.datasource.GetRound(ctx, transactionID, roundNumber)
}

// GetAssignment returns an assignment by ID.
func (d *Dispatch) GetAssignment(ctx context.Context, assignmentID string) (*model.Assignment, error) {
	return d.datasource.GetAssignment(ctx, assignmentID)
}
