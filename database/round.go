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

package database

import (
	"context"
	"database/sql"
	"fmt"

	"go.opentelemetry.io/otel"

	"github.com/payrail/dispatch/internal/apierror"
	"github.com/payrail/dispatch/model"
)

// RecordRound persists a round and its candidate evaluations in one
// database transaction. The round is not considered evaluated until this
// write succeeds; callers retry it with backoff before advancing state.
func (d Datasource) RecordRound(ctx context.Context, round *model.DispatchRound) (*model.DispatchRound, error) {
	ctx, span := otel.Tracer("dispatch.database").Start(ctx, "Saving dispatch round to db")
	defer span.End()

	tx, err := d.Conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to begin round transaction", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO dispatch_rounds(round_id,transaction_id,round_number,success,failure_code,failure_reason,total_candidates,failed_candidates,created_at) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		round.RoundID, round.TransactionID, round.RoundNumber, round.Success, nullable(string(round.FailureCode)), nullable(round.FailureReason), round.TotalCandidates, round.FailedCandidates, round.CreatedAt,
	)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to record dispatch round", err)
	}

	for i := range round.Candidates {
		c := &round.Candidates[i]
		if c.EvaluationID == "" {
			c.EvaluationID = model.GenerateUUIDWithSuffix("evl")
		}
		c.RoundID = round.RoundID
		_, err = tx.ExecContext(ctx,
			`INSERT INTO candidate_evaluations(evaluation_id,round_id,agent_id,account_id,payment_address,online_status,account_status,score,selected,failure_code,failure_reason) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
			c.EvaluationID, c.RoundID, c.AgentID, c.AccountID, c.PaymentAddress, c.OnlineStatus, c.AccountStatus, c.Score, c.Selected, nullable(string(c.FailureCode)), nullable(c.FailureReason),
		)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to record candidate evaluation", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to commit dispatch round", err)
	}
	return round, nil
}

// FinalizeRoundOutcome stamps the outcome of a round once its assignment
// reaches a terminal state. This is the only write a round receives after
// insertion; evaluations and counters stay as recorded.
func (d Datasource) FinalizeRoundOutcome(ctx context.Context, roundID string, success bool, failureCode model.FailureCode, failureReason string) error {
	_, err := d.Conn.ExecContext(ctx,
		`UPDATE dispatch_rounds SET success = $2, failure_code = $3, failure_reason = $4 WHERE round_id = $1`,
		roundID, success, nullable(string(failureCode)), nullable(failureReason),
	)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to finalize round outcome", err)
	}
	return nil
}

// MarkEvaluationFailure records why the selected candidate of a round did
// not work out (rejected_by_agent, expired). Written once when the offer
// resolves.
func (d Datasource) MarkEvaluationFailure(ctx context.Context, roundID, agentID string, failureCode model.FailureCode, failureReason string) error {
	_, err := d.Conn.ExecContext(ctx,
		`UPDATE candidate_evaluations SET failure_code = $3, failure_reason = $4 WHERE round_id = $1 AND agent_id = $2`,
		roundID, agentID, string(failureCode), failureReason,
	)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to mark evaluation failure", err)
	}
	return nil
}

func (d Datasource) GetRound(ctx context.Context, transactionID string, roundNumber int) (*model.DispatchRound, error) {
	row := d.Conn.QueryRowContext(ctx, `
		SELECT round_id, transaction_id, round_number, success, COALESCE(failure_code, ''), COALESCE(failure_reason, ''), total_candidates, failed_candidates, created_at
		FROM dispatch_rounds
		WHERE transaction_id = $1 AND round_number = $2
	`, transactionID, roundNumber)

	round := &model.DispatchRound{}
	err := row.Scan(&round.RoundID, &round.TransactionID, &round.RoundNumber, &round.Success, &round.FailureCode, &round.FailureReason, &round.TotalCandidates, &round.FailedCandidates, &round.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Round %d for transaction '%s' not found", roundNumber, transactionID), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve round", err)
	}

	candidates, err := d.listEvaluations(ctx, round.RoundID)
	if err != nil {
		return nil, err
	}
	round.Candidates = candidates
	return round, nil
}

// ListRounds returns every round recorded for a transaction in strictly
// increasing round-number order, each with its full evaluation list, exactly
// as the console renders them.
func (d Datasource) ListRounds(ctx context.Context, transactionID string) ([]*model.DispatchRound, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT round_id, transaction_id, round_number, success, COALESCE(failure_code, ''), COALESCE(failure_reason, ''), total_candidates, failed_candidates, created_at
		FROM dispatch_rounds
		WHERE transaction_id = $1
		ORDER BY round_number ASC
	`, transactionID)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to list rounds", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var rounds []*model.DispatchRound
	for rows.Next() {
		round := &model.DispatchRound{}
		err := rows.Scan(&round.RoundID, &round.TransactionID, &round.RoundNumber, &round.Success, &round.FailureCode, &round.FailureReason, &round.TotalCandidates, &round.FailedCandidates, &round.CreatedAt)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan round row", err)
		}
		rounds = append(rounds, round)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to iterate round rows", err)
	}

	for _, round := range rounds {
		candidates, err := d.listEvaluations(ctx, round.RoundID)
		if err != nil {
			return nil, err
		}
		round.Candidates = candidates
	}
	return rounds, nil
}

func (d Datasource) listEvaluations(ctx context.Context, roundID string) ([]model.CandidateEvaluation, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT evaluation_id, round_id, agent_id, COALESCE(account_id, ''), COALESCE(payment_address, ''), COALESCE(online_status, ''), COALESCE(account_status, ''), score, selected, COALESCE(failure_code, ''), COALESCE(failure_reason, '')
		FROM candidate_evaluations
		WHERE round_id = $1
		ORDER BY score DESC, agent_id ASC
	`, roundID)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to list candidate evaluations", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var evaluations []model.CandidateEvaluation
	for rows.Next() {
		var c model.CandidateEvaluation
		err := rows.Scan(&c.EvaluationID, &c.RoundID, &c.AgentID, &c.AccountID, &c.PaymentAddress, &c.OnlineStatus, &c.AccountStatus, &c.Score, &c.Selected, &c.FailureCode, &c.FailureReason)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan evaluation row", err)
		}
		evaluations = append(evaluations, c)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to iterate evaluation rows", err)
	}
	return evaluations, nil
}

func (d Datasource) MaxRoundNumber(ctx context.Context, transactionID string) (int, error) {
	var max int
	err := d.Conn.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(round_number), 0) FROM dispatch_rounds WHERE transaction_id = $1`,
		transactionID,
	).Scan(&max)
	if err != nil {
		return 0, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to read max round number", err)
	}
	return max, nil
}

// GetExcludedAgents returns every agent that failed, rejected, or timed out
// in any prior round of this transaction. A failed candidate is never
// reconsidered within the same dispatch lifetime.
func (d Datasource) GetExcludedAgents(ctx context.Context, transactionID string) ([]string, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT DISTINCT ce.agent_id
		FROM candidate_evaluations ce
		JOIN dispatch_rounds r ON r.round_id = ce.round_id
		WHERE r.transaction_id = $1 AND ce.failure_code IS NOT NULL AND ce.failure_code != ''
		ORDER BY ce.agent_id
	`, transactionID)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to query excluded agents", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var agentIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan excluded agent row", err)
		}
		agentIDs = append(agentIDs, id)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to iterate excluded agent rows", err)
	}
	return agentIDs, nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
