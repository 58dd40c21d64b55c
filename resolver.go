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

	"github.com/payrail/dispatch/config"
	"github.com/payrail/dispatch/model"
)

// resolveCandidates evaluates every agent still in contention for the
// transaction and returns the round record plus the winning candidate (nil
// when no agent is viable). Agents that failed or expired an offer in an
// earlier round are excluded before eligibility is even queried, so the same
// transaction is never re-offered to an agent that already declined it.
func (d *Dispatch) resolveCandidates(ctx context.Context, transaction *model.Transaction, roundNumber int) (*model.DispatchRound, *model.CandidateEvaluation, error) {
	ctx, span := tracer.Start(ctx, "Resolving dispatch candidates")
	defer span.End()

	excluded, err := d.datasource.GetExcludedAgents(ctx, transaction.TransactionID)
	if err != nil {
		return nil, nil, logAndRecordError(span, "failed to load excluded agents", err)
	}

	agents, err := d.datasource.GetEligibleAgents(ctx, transaction, excluded)
	if err != nil {
		return nil, nil, logAndRecordError(span, "failed to load eligible agents", err)
	}
	if len(agents) == 0 {
		round := model.NewDispatchRound(transaction.TransactionID, roundNumber, nil)
		round.FailureCode = model.FailureNoCandidates
		round.FailureReason = "no eligible agents remain for this transaction"
		return round, nil, nil
	}

	agentIDs := make([]string, 0, len(agents))
	for _, agent := range agents {
		agentIDs = append(agentIDs, agent.AgentID)
	}

	availability, availErr := d.availability.GetAvailability(ctx, agentIDs)
	if availErr != nil {
		// The subsystem is down: record every candidate as unreachable
		// instead of dispatching on stale or guessed state.
		span.RecordError(availErr)
		evaluations := make([]model.CandidateEvaluation, 0, len(agents))
		for _, agent := range agents {
			evaluations = append(evaluations, model.CandidateEvaluation{
				AgentID:        agent.AgentID,
				AccountID:      agent.AccountID,
				PaymentAddress: agent.PaymentAddress,
				AccountStatus:  agent.AccountStatus,
				FailureCode:    model.FailureUnavailable,
				FailureReason:  availErr.Error(),
			})
		}
		round := model.NewDispatchRound(transaction.TransactionID, roundNumber, evaluations)
		round.FailureCode = model.FailureUnavailable
		round.FailureReason = "availability subsystem unreachable"
		return round, nil, nil
	}

	cfg, err := configScoreWeights()
	if err != nil {
		return nil, nil, err
	}

	evaluations := make([]model.CandidateEvaluation, 0, len(agents))
	var viable []model.ScoredCandidate
	for _, agent := range agents {
		snapshot, known := availability[agent.AgentID]
		if known {
			agent.OnlineStatus = snapshot.OnlineStatus
			agent.CurrentLoad = snapshot.CurrentLoad
			agent.Reliability = snapshot.Reliability
		} else {
			agent.OnlineStatus = model.AgentOffline
		}

		evaluation := model.CandidateEvaluation{
			AgentID:        agent.AgentID,
			AccountID:      agent.AccountID,
			PaymentAddress: agent.PaymentAddress,
			OnlineStatus:   agent.OnlineStatus,
			AccountStatus:  agent.AccountStatus,
		}

		switch {
		case agent.OnlineStatus == model.AgentOffline:
			evaluation.FailureCode = model.FailureOffline
			evaluation.FailureReason = fmt.Sprintf("agent %s is offline", agent.AgentID)
		case agent.AtCapacity():
			evaluation.FailureCode = model.FailureCapacityExceeded
			evaluation.FailureReason = fmt.Sprintf("agent %s is at capacity (%d/%d)", agent.AgentID, agent.CurrentLoad, agent.Capacity)
		default:
			evaluation.Score = model.ScoreAgent(agent, cfg)
			viable = append(viable, model.ScoredCandidate{Agent: agent, Score: evaluation.Score})
		}
		evaluations = append(evaluations, evaluation)
	}

	selected := model.SelectCandidate(viable)
	if selected != nil {
		for i := range evaluations {
			if evaluations[i].AgentID == selected.Agent.AgentID {
				evaluations[i].Selected = true
				break
			}
		}
	}

	round := model.NewDispatchRound(transaction.TransactionID, roundNumber, evaluations)
	if selected == nil {
		round.FailureCode = model.FailureNoCandidates
		round.FailureReason = "all eligible agents were offline, at capacity or unreachable"
		return round, nil, nil
	}
	return round, round.SelectedCandidate(), nil
}

func configScoreWeights() (model.ScoreWeights, error) {
	cnf, err := config.Fetch()
	if err != nil {
		return model.ScoreWeights{}, err
	}
	weights := scoreWeights(cnf)
	if weights.Online == 0 && weights.Reliability == 0 && weights.Load == 0 {
		return model.DefaultScoreWeights(), nil
	}
	return weights, nil
}
