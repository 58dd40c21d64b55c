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

// CreateAssignment persists a new pending offer. The partial unique index
// on (transaction_id) WHERE status = 'pending' rejects a second concurrent
// pending offer for the same transaction; that surfaces here as a conflict.
func (d Datasource) CreateAssignment(ctx context.Context, a *model.Assignment) (*model.Assignment, error) {
	ctx, span := otel.Tracer("dispatch.database").Start(ctx, "Saving assignment to db")
	defer span.End()

	_, err := d.Conn.ExecContext(ctx,
		`INSERT INTO assignments(assignment_id,round_id,transaction_id,agent_id,account_id,amount,currency,status,created_at,expires_at) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		a.AssignmentID, a.RoundID, a.TransactionID, a.AgentID, a.AccountID, a.Amount, a.Currency, a.Status, a.CreatedAt, a.ExpiresAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("Transaction '%s' already has a pending assignment", a.TransactionID), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to create assignment", err)
	}
	return a, nil
}

func (d Datasource) GetAssignment(ctx context.Context, assignmentID string) (*model.Assignment, error) {
	row := d.Conn.QueryRowContext(ctx, `
		SELECT assignment_id, round_id, transaction_id, agent_id, COALESCE(account_id, ''), amount, currency, status, created_at, expires_at, resolved_at, COALESCE(resolved_by, ''), COALESCE(rejection_reason, '')
		FROM assignments
		WHERE assignment_id = $1
	`, assignmentID)

	a, err := scanAssignment(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Assignment with ID '%s' not found", assignmentID), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve assignment", err)
	}
	return a, nil
}

func (d Datasource) GetPendingAssignment(ctx context.Context, transactionID string) (*model.Assignment, error) {
	row := d.Conn.QueryRowContext(ctx, `
		SELECT assignment_id, round_id, transaction_id, agent_id, COALESCE(account_id, ''), amount, currency, status, created_at, expires_at, resolved_at, COALESCE(resolved_by, ''), COALESCE(rejection_reason, '')
		FROM assignments
		WHERE transaction_id = $1 AND status = 'pending'
	`, transactionID)

	a, err := scanAssignment(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // no pending offer is a normal condition
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve pending assignment", err)
	}
	return a, nil
}

// GetRoundAssignment returns the assignment a round produced, regardless of
// status, or nil when the round never produced an offer. ProcessRound uses
// this on redelivery to tell a completed round from one that was interrupted
// between the round insert and the offer.
func (d Datasource) GetRoundAssignment(ctx context.Context, roundID string) (*model.Assignment, error) {
	row := d.Conn.QueryRowContext(ctx, `
		SELECT assignment_id, round_id, transaction_id, agent_id, COALESCE(account_id, ''), amount, currency, status, created_at, expires_at, resolved_at, COALESCE(resolved_by, ''), COALESCE(rejection_reason, '')
		FROM assignments
		WHERE round_id = $1
	`, roundID)

	a, err := scanAssignment(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve round assignment", err)
	}
	return a, nil
}

// ResolveAssignment performs the pending → terminal transition as a single
// conditional update. The WHERE clause is the race arbiter between an
// inbound accept/reject and the expiry timer: the first terminal transition
// wins and any later event affects zero rows. enforceDeadline additionally
// requires the offer deadline not to have passed (used for accepts).
func (d Datasource) ResolveAssignment(ctx context.Context, assignmentID string, to model.AssignmentStatus, resolvedBy, reason string, enforceDeadline bool) (bool, error) {
	ctx, span := otel.Tracer("dispatch.database").Start(ctx, "Resolving assignment")
	defer span.End()

	query := `UPDATE assignments SET status = $2, resolved_at = NOW(), resolved_by = $3, rejection_reason = $4 WHERE assignment_id = $1 AND status = 'pending'`
	if enforceDeadline {
		query += ` AND expires_at > NOW()`
	}

	result, err := d.Conn.ExecContext(ctx, query, assignmentID, to, nullable(resolvedBy), nullable(reason))
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to resolve assignment", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to read affected rows", err)
	}
	return affected == 1, nil
}

func scanAssignment(row rowScanner) (*model.Assignment, error) {
	a := &model.Assignment{}
	var resolvedAt sql.NullTime
	err := row.Scan(&a.AssignmentID, &a.RoundID, &a.TransactionID, &a.AgentID, &a.AccountID, &a.Amount, &a.Currency, &a.Status, &a.CreatedAt, &a.ExpiresAt, &resolvedAt, &a.ResolvedBy, &a.RejectionReason)
	if err != nil {
		return nil, err
	}
	if resolvedAt.Valid {
		a.ResolvedAt = &resolvedAt.Time
	}
	return a, nil
}
