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
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/payrail/dispatch/config"
	"github.com/payrail/dispatch/internal/apierror"
	"github.com/payrail/dispatch/model"
)

// memStore is an in-memory IDataSource with the same conditional-update
// semantics as the Postgres layer: compare-and-set status transitions,
// at most one pending assignment per transaction, capacity-guarded load
// increments.
type memStore struct {
	mu           sync.Mutex
	transactions map[string]*model.Transaction
	agents       map[string]*model.Agent
	rounds       []*model.DispatchRound
	assignments  map[string]*model.Assignment
}

func newMemStore() *memStore {
	return &memStore{
		transactions: make(map[string]*model.Transaction),
		agents:       make(map[string]*model.Agent),
		assignments:  make(map[string]*model.Assignment),
	}
}

func (m *memStore) RecordDispatchTransaction(_ context.Context, txn *model.Transaction) (*model.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.transactions[txn.TransactionID]; exists {
		return nil, apierror.NewAPIError(apierror.ErrConflict, "transaction already recorded", nil)
	}
	copied := *txn
	m.transactions[txn.TransactionID] = &copied
	return txn, nil
}

func (m *memStore) GetDispatchTransaction(_ context.Context, transactionID string) (*model.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	txn, ok := m.transactions[transactionID]
	if !ok {
		return nil, apierror.NewAPIError(apierror.ErrNotFound, "transaction not found", nil)
	}
	copied := *txn
	return &copied, nil
}

func (m *memStore) UpdateDispatchStatus(_ context.Context, transactionID string, from, to model.DispatchStatus, failureCode model.FailureCode) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	txn, ok := m.transactions[transactionID]
	if !ok || txn.Status != from {
		return false, nil
	}
	txn.Status = to
	if failureCode != "" {
		txn.FailureCode = failureCode
	}
	return true, nil
}

func (m *memStore) CreateAgent(_ context.Context, agent *model.Agent) (*model.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *agent
	m.agents[agent.AgentID] = &copied
	return agent, nil
}

func (m *memStore) GetAgent(_ context.Context, agentID string) (*model.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	agent, ok := m.agents[agentID]
	if !ok {
		return nil, apierror.NewAPIError(apierror.ErrNotFound, "agent not found", nil)
	}
	copied := *agent
	return &copied, nil
}

func (m *memStore) GetEligibleAgents(_ context.Context, txn *model.Transaction, excludedAgentIDs []string) ([]*model.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	excluded := make(map[string]bool, len(excludedAgentIDs))
	for _, id := range excludedAgentIDs {
		excluded[id] = true
	}
	var eligible []*model.Agent
	for _, agent := range m.agents {
		if excluded[agent.AgentID] || !agent.CanHandle(txn) {
			continue
		}
		copied := *agent
		eligible = append(eligible, &copied)
	}
	sort.Slice(eligible, func(i, j int) bool { return eligible[i].AgentID < eligible[j].AgentID })
	return eligible, nil
}

func (m *memStore) IncrementAgentLoad(_ context.Context, agentID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	agent, ok := m.agents[agentID]
	if !ok {
		return false, nil
	}
	if agent.Capacity > 0 && agent.CurrentLoad >= agent.Capacity {
		return false, nil
	}
	agent.CurrentLoad++
	return true, nil
}

func (m *memStore) DecrementAgentLoad(_ context.Context, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if agent, ok := m.agents[agentID]; ok && agent.CurrentLoad > 0 {
		agent.CurrentLoad--
	}
	return nil
}

func (m *memStore) RecordRound(_ context.Context, round *model.DispatchRound) (*model.DispatchRound, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *round
	copied.Candidates = append([]model.CandidateEvaluation(nil), round.Candidates...)
	m.rounds = append(m.rounds, &copied)
	return round, nil
}

func (m *memStore) FinalizeRoundOutcome(_ context.Context, roundID string, success bool, failureCode model.FailureCode, failureReason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, round := range m.rounds {
		if round.RoundID == roundID {
			round.Success = success
			round.FailureCode = failureCode
			round.FailureReason = failureReason
			return nil
		}
	}
	return apierror.NewAPIError(apierror.ErrNotFound, "round not found", nil)
}

func (m *memStore) MarkEvaluationFailure(_ context.Context, roundID, agentID string, failureCode model.FailureCode, failureReason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, round := range m.rounds {
		if round.RoundID != roundID {
			continue
		}
		for i := range round.Candidates {
			if round.Candidates[i].AgentID == agentID {
				round.Candidates[i].FailureCode = failureCode
				round.Candidates[i].FailureReason = failureReason
			}
		}
	}
	return nil
}

func (m *memStore) GetRound(_ context.Context, transactionID string, roundNumber int) (*model.DispatchRound, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, round := range m.rounds {
		if round.TransactionID == transactionID && round.RoundNumber == roundNumber {
			copied := *round
			return &copied, nil
		}
	}
	return nil, apierror.NewAPIError(apierror.ErrNotFound, "round not found", nil)
}

func (m *memStore) ListRounds(_ context.Context, transactionID string) ([]*model.DispatchRound, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var rounds []*model.DispatchRound
	for _, round := range m.rounds {
		if round.TransactionID == transactionID {
			copied := *round
			rounds = append(rounds, &copied)
		}
	}
	sort.Slice(rounds, func(i, j int) bool { return rounds[i].RoundNumber < rounds[j].RoundNumber })
	return rounds, nil
}

func (m *memStore) MaxRoundNumber(_ context.Context, transactionID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	max := 0
	for _, round := range m.rounds {
		if round.TransactionID == transactionID && round.RoundNumber > max {
			max = round.RoundNumber
		}
	}
	return max, nil
}

func (m *memStore) GetExcludedAgents(_ context.Context, transactionID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]bool)
	var excluded []string
	for _, round := range m.rounds {
		if round.TransactionID != transactionID {
			continue
		}
		for _, candidate := range round.Candidates {
			if candidate.FailureCode != "" && !seen[candidate.AgentID] {
				seen[candidate.AgentID] = true
				excluded = append(excluded, candidate.AgentID)
			}
		}
	}
	sort.Strings(excluded)
	return excluded, nil
}

func (m *memStore) CreateAssignment(_ context.Context, a *model.Assignment) (*model.Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.assignments {
		if existing.TransactionID == a.TransactionID && existing.Status == model.AssignmentPending {
			return nil, apierror.NewAPIError(apierror.ErrConflict, "transaction already has a pending assignment", nil)
		}
	}
	copied := *a
	m.assignments[a.AssignmentID] = &copied
	return a, nil
}

func (m *memStore) GetAssignment(_ context.Context, assignmentID string) (*model.Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.assignments[assignmentID]
	if !ok {
		return nil, apierror.NewAPIError(apierror.ErrNotFound, "assignment not found", nil)
	}
	copied := *a
	return &copied, nil
}

func (m *memStore) GetPendingAssignment(_ context.Context, transactionID string) (*model.Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.assignments {
		if a.TransactionID == transactionID && a.Status == model.AssignmentPending {
			copied := *a
			return &copied, nil
		}
	}
	return nil, nil
}

func (m *memStore) GetRoundAssignment(_ context.Context, roundID string) (*model.Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.assignments {
		if a.RoundID == roundID {
			copied := *a
			return &copied, nil
		}
	}
	return nil, nil
}

func (m *memStore) ResolveAssignment(_ context.Context, assignmentID string, to model.AssignmentStatus, resolvedBy, reason string, enforceDeadline bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.assignments[assignmentID]
	if !ok || a.Status != model.AssignmentPending {
		return false, nil
	}
	now := time.Now()
	if enforceDeadline && !a.ExpiresAt.After(now) {
		return false, nil
	}
	a.Status = to
	a.ResolvedAt = &now
	a.ResolvedBy = resolvedBy
	a.RejectionReason = reason
	return true, nil
}

// fakeQueue records scheduled work instead of pushing to Redis. Tests drive
// the recorded rounds through ProcessRound by hand, standing in for the
// worker.
type fakeQueue struct {
	mu       sync.Mutex
	rounds   []RoundTaskPayload
	expiries []ExpiryTaskPayload
}

func (f *fakeQueue) EnqueueRound(_ context.Context, transactionID string, roundNumber int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rounds = append(f.rounds, RoundTaskPayload{TransactionID: transactionID, RoundNumber: roundNumber})
	return nil
}

func (f *fakeQueue) QueueOfferExpiry(_ context.Context, assignmentID string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expiries = append(f.expiries, ExpiryTaskPayload{AssignmentID: assignmentID})
	return nil
}

func (f *fakeQueue) lastRound(t *testing.T) RoundTaskPayload {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.rounds)
	return f.rounds[len(f.rounds)-1]
}

type fakeAvailability struct {
	mu        sync.Mutex
	snapshots map[string]AgentAvailability
	err       error
}

func (f *fakeAvailability) GetAvailability(_ context.Context, agentIDs []string) (map[string]AgentAvailability, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	result := make(map[string]AgentAvailability, len(agentIDs))
	for _, id := range agentIDs {
		if snapshot, ok := f.snapshots[id]; ok {
			result[id] = snapshot
		}
	}
	return result, nil
}

func (f *fakeAvailability) set(agentID string, status model.OnlineStatus, load int, reliability float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshots[agentID] = AgentAvailability{AgentID: agentID, OnlineStatus: status, CurrentLoad: load, Reliability: reliability}
}

func newTestEngine(t *testing.T) (*Dispatch, *memStore, *fakeQueue, *fakeAvailability) {
	t.Helper()
	mr := miniredis.RunT(t)
	config.MockConfig(&config.Configuration{
		Redis: config.RedisConfig{Dns: mr.Addr()},
		Queue: config.QueueConfig{RoundQueue: "new:round", ExpiryQueue: "new:offer_expiry", NumberOfQueues: 4, MaxRetryAttempts: 5},
		Dispatch: config.DispatchConfig{
			MaxRounds:    3,
			OfferTTLSec:  120,
			ScoreWeights: config.ScoreWeightsConfig{Online: 50, Reliability: 30, Load: 20},
		},
	})

	store := newMemStore()
	queue := &fakeQueue{}
	availability := &fakeAvailability{snapshots: make(map[string]AgentAvailability)}
	engine := &Dispatch{
		queue:        queue,
		redis:        redis.NewClient(&redis.Options{Addr: mr.Addr()}),
		datasource:   store,
		availability: availability,
	}
	return engine, store, queue, availability
}

func seedAgent(t *testing.T, store *memStore, availability *fakeAvailability, agentID string, reliability float64) *model.Agent {
	t.Helper()
	agent := &model.Agent{
		AgentID:       agentID,
		AccountID:     fmt.Sprintf("acc_%s", agentID),
		AccountStatus: model.AccountActive,
		Currencies:    []string{"USD"},
		Countries:     []string{"US"},
		Methods:       []string{"bank_transfer"},
		Capacity:      5,
		CreatedAt:     time.Now(),
	}
	_, err := store.CreateAgent(context.Background(), agent)
	require.NoError(t, err)
	availability.set(agentID, model.AgentOnline, 0, reliability)
	return agent
}
