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

	"github.com/payrail/dispatch/model"
)

// IDataSource is the repository surface the dispatch engine depends on.
type IDataSource interface {
	transaction
	agent
	round
	assignment
}

type transaction interface {
	RecordDispatchTransaction(ctx context.Context, txn *model.Transaction) (*model.Transaction, error)
	GetDispatchTransaction(ctx context.Context, transactionID string) (*model.Transaction, error)
	UpdateDispatchStatus(ctx context.Context, transactionID string, from, to model.DispatchStatus, failureCode model.FailureCode) (bool, error)
}

type agent interface {
	CreateAgent(ctx context.Context, agent *model.Agent) (*model.Agent, error)
	GetAgent(ctx context.Context, agentID string) (*model.Agent, error)
	GetEligibleAgents(ctx context.Context, txn *model.Transaction, excludedAgentIDs []string) ([]*model.Agent, error)
	IncrementAgentLoad(ctx context.Context, agentID string) (bool, error)
	DecrementAgentLoad(ctx context.Context, agentID string) error
}

type round interface {
	RecordRound(ctx context.Context, round *model.DispatchRound) (*model.DispatchRound, error)
	FinalizeRoundOutcome(ctx context.Context, roundID string, success bool, failureCode model.FailureCode, failureReason string) error
	MarkEvaluationFailure(ctx context.Context, roundID, agentID string, failureCode model.FailureCode, failureReason string) error
	GetRound(ctx context.Context, transactionID string, roundNumber int) (*model.DispatchRound, error)
	ListRounds(ctx context.Context, transactionID string) ([]*model.DispatchRound, error)
	MaxRoundNumber(ctx context.Context, transactionID string) (int, error)
	GetExcludedAgents(ctx context.Context, transactionID string) ([]string, error)
}

type assignment interface {
	CreateAssignment(ctx context.Context, a *model.Assignment) (*model.Assignment, error)
	GetAssignment(ctx context.Context, assignmentID string) (*model.Assignment, error)
	GetPendingAssignment(ctx context.Context, transactionID string) (*model.Assignment, error)
	GetRoundAssignment(ctx context.Context, roundID string) (*model.Assignment, error)
	ResolveAssignment(ctx context.Context, assignmentID string, to model.AssignmentStatus, resolvedBy, reason string, enforceDeadline bool) (bool, error)
}
