package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"go.opentelemetry.io/otel"

	"github.com/payrail/dispatch/internal/apierror"
	"github.com/payrail/dispatch/model"

	"github.com/lib/pq"
)

// RecordDispatchTransaction persists the engine's view of a transaction
// entering dispatch. Re-recording an existing transaction ID returns a
// conflict so StartDispatch can detect idempotent repeats.
func (d Datasource) RecordDispatchTransaction(ctx context.Context, txn *model.Transaction) (*model.Transaction, error) {
	ctx, span := otel.Tracer("dispatch.database").Start(ctx, "Saving dispatch transaction to db")
	defer span.End()

	metaDataJSON, err := json.Marshal(txn.MetaData)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal metadata", err)
	}

	_, err = d.Conn.ExecContext(ctx,
		`INSERT INTO dispatch_transactions(transaction_id,reference,currency,country,method,amount,status,created_at,meta_data) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		txn.TransactionID, txn.Reference, txn.Currency, txn.Country, txn.Method, txn.Amount, txn.Status, txn.CreatedAt, metaDataJSON,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("Transaction '%s' already in dispatch", txn.TransactionID), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to record dispatch transaction", err)
	}

	return txn, nil
}

func (d Datasource) GetDispatchTransaction(ctx context.Context, transactionID string) (*model.Transaction, error) {
	row := d.Conn.QueryRowContext(ctx, `
		SELECT transaction_id, reference, currency, country, method, amount, status, COALESCE(failure_code, ''), created_at, meta_data
		FROM dispatch_transactions
		WHERE transaction_id = $1
	`, transactionID)

	txn := &model.Transaction{}
	var metaDataJSON []byte
	err := row.Scan(&txn.TransactionID, &txn.Reference, &txn.Currency, &txn.Country, &txn.Method, &txn.Amount, &txn.Status, &txn.FailureCode, &txn.CreatedAt, &metaDataJSON)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Transaction with ID '%s' not found", transactionID), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve transaction", err)
	}

	if len(metaDataJSON) > 0 {
		if err := json.Unmarshal(metaDataJSON, &txn.MetaData); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to unmarshal metadata", err)
		}
	}

	return txn, nil
}

// UpdateDispatchStatus performs a compare-and-set on the transaction status.
// Returns false when the transaction was not in the expected `from` state,
// which callers treat as a logged no-op.
func (d Datasource) UpdateDispatchStatus(ctx context.Context, transactionID string, from, to model.DispatchStatus, failureCode model.FailureCode) (bool, error) {
	var result sql.Result
	var err error
	if failureCode != "" {
		result, err = d.Conn.ExecContext(ctx,
			`UPDATE dispatch_transactions SET status = $3, failure_code = $4 WHERE transaction_id = $1 AND status = $2`,
			transactionID, from, to, failureCode,
		)
	} else {
		result, err = d.Conn.ExecContext(ctx,
			`UPDATE dispatch_transactions SET status = $3 WHERE transaction_id = $1 AND status = $2`,
			transactionID, from, to,
		)
	}
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update dispatch status", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to read affected rows", err)
	}
	return affected == 1, nil
}

func isUniqueViolation(err error) bool {
	if pqErr, ok := err.(*pq.Error); ok {
		return pqErr.Code == "23505"
	}
	return false
}
