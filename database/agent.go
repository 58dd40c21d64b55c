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

	"github.com/lib/pq"

	"github.com/payrail/dispatch/internal/apierror"
	"github.com/payrail/dispatch/model"
)

func (d Datasource) CreateAgent(ctx context.Context, agent *model.Agent) (*model.Agent, error) {
	if agent.AgentID == "" {
		agent.AgentID = model.GenerateUUIDWithSuffix("agt")
	}
	if agent.AccountStatus == "" {
		agent.AccountStatus = model.AccountActive
	}

	_, err := d.Conn.ExecContext(ctx,
		`INSERT INTO agents(agent_id,account_id,payment_address,account_status,currencies,countries,methods,min_amount,max_amount,capacity,current_load) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		agent.AgentID, agent.AccountID, agent.PaymentAddress, agent.AccountStatus,
		pq.Array(agent.Currencies), pq.Array(agent.Countries), pq.Array(agent.Methods),
		agent.MinAmount, agent.MaxAmount, agent.Capacity, agent.CurrentLoad,
	)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to create agent", err)
	}
	return agent, nil
}

func (d Datasource) GetAgent(ctx context.Context, agentID string) (*model.Agent, error) {
	row := d.Conn.QueryRowContext(ctx, `
		SELECT agent_id, account_id, payment_address, account_status, currencies, countries, methods, min_amount, max_amount, capacity, current_load, created_at
		FROM agents
		WHERE agent_id = $1
	`, agentID)

	agent, err := scanAgent(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Agent with ID '%s' not found", agentID), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve agent", err)
	}
	return agent, nil
}

// GetEligibleAgents returns agents whose declared capability set covers the
// transaction's currency, country and method, whose configured amount range
// includes the transaction amount, whose account is not disabled, and who
// are not in the excluded set accumulated from prior rounds. An empty result
// is a normal terminal condition for a round, not an error.
func (d Datasource) GetEligibleAgents(ctx context.Context, txn *model.Transaction, excludedAgentIDs []string) ([]*model.Agent, error) {
	if excludedAgentIDs == nil {
		excludedAgentIDs = []string{}
	}

	rows, err := d.Conn.QueryContext(ctx, `
		SELECT agent_id, account_id, payment_address, account_status, currencies, countries, methods, min_amount, max_amount, capacity, current_load, created_at
		FROM agents
		WHERE account_status != 'disabled'
		AND $1 = ANY(currencies)
		AND $2 = ANY(countries)
		AND $3 = ANY(methods)
		AND min_amount <= $4
		AND (max_amount = 0 OR max_amount >= $4)
		AND NOT (agent_id = ANY($5))
		ORDER BY agent_id
	`, txn.Currency, txn.Country, txn.Method, txn.Amount, pq.Array(excludedAgentIDs))
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to query eligible agents", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var agents []*model.Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan agent row", err)
		}
		agents = append(agents, agent)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to iterate agent rows", err)
	}
	return agents, nil
}

// IncrementAgentLoad reserves one unit of an agent's capacity. The guard in
// the WHERE clause makes the reservation atomic with respect to concurrent
// dispatch loops evaluating the same agent; false means the agent was
// already at capacity.
func (d Datasource) IncrementAgentLoad(ctx context.Context, agentID string) (bool, error) {
	result, err := d.Conn.ExecContext(ctx,
		`UPDATE agents SET current_load = current_load + 1 WHERE agent_id = $1 AND (capacity <= 0 OR current_load < capacity)`,
		agentID,
	)
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to increment agent load", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to read affected rows", err)
	}
	return affected == 1, nil
}

func (d Datasource) DecrementAgentLoad(ctx context.Context, agentID string) error {
	_, err := d.Conn.ExecContext(ctx,
		`UPDATE agents SET current_load = GREATEST(current_load - 1, 0) WHERE agent_id = $1`,
		agentID,
	)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to decrement agent load", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAgent(row rowScanner) (*model.Agent, error) {
	agent := &model.Agent{}
	var currencies, countries, methods pq.StringArray
	err := row.Scan(&agent.AgentID, &agent.AccountID, &agent.PaymentAddress, &agent.AccountStatus,
		&currencies, &countries, &methods,
		&agent.MinAmount, &agent.MaxAmount, &agent.Capacity, &agent.CurrentLoad, &agent.CreatedAt)
	if err != nil {
		return nil, err
	}
	agent.Currencies = currencies
	agent.Countries = countries
	agent.Methods = methods
	return agent, nil
}
