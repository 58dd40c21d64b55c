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

package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// OnlineStatus is the availability state reported by the agent-availability
// subsystem at evaluation time.
type OnlineStatus string

const (
	AgentOnline  OnlineStatus = "online"
	AgentBusy    OnlineStatus = "busy"
	AgentOffline OnlineStatus = "offline"
)

// AccountStatus is the administrative state of an agent's settlement account.
type AccountStatus string

const (
	AccountActive   AccountStatus = "active"
	AccountDisabled AccountStatus = "disabled"
)

// Agent is a settlement counterparty ("cashier") able to execute payins and
// payouts. Capability fields (currencies, countries, methods, amount range,
// capacity) are configured at onboarding; OnlineStatus, CurrentLoad and
// Reliability are live figures merged in from the availability subsystem.
type Agent struct {
	ID             int64           `json:"-"`
	AgentID        string          `json:"agent_id"`
	AccountID      string          `json:"account_id"`
	PaymentAddress string          `json:"payment_address"`
	OnlineStatus   OnlineStatus    `json:"online_status"`
	AccountStatus  AccountStatus   `json:"account_status"`
	Currencies     []string        `json:"currencies"`
	Countries      []string        `json:"countries"`
	Methods        []string        `json:"methods"`
	MinAmount      decimal.Decimal `json:"min_amount"`
	MaxAmount      decimal.Decimal `json:"max_amount"`
	Capacity       int             `json:"capacity"`
	CurrentLoad    int             `json:"current_load"`
	Reliability    float64         `json:"reliability"`
	CreatedAt      time.Time       `json:"created_at"`
}

// CanHandle reports whether the agent's declared capability set covers the
// transaction. Live state (online status, load) is judged separately so the
// audit trail can distinguish "structurally ineligible" from "unavailable".
func (agent *Agent) CanHandle(transaction *Transaction) bool {
	if agent.AccountStatus == AccountDisabled {
		return false
	}
	if !contains(agent.Currencies, transaction.Currency) {
		return false
	}
	if !contains(agent.Countries, transaction.Country) {
		return false
	}
	if !contains(agent.Methods, transaction.Method) {
		return false
	}
	if transaction.Amount.LessThan(agent.MinAmount) {
		return false
	}
	if agent.MaxAmount.IsPositive() && transaction.Amount.GreaterThan(agent.MaxAmount) {
		return false
	}
	return true
}

// AtCapacity reports whether the agent has no room for another assignment.
func (agent *Agent) AtCapacity() bool {
	return agent.Capacity > 0 && agent.CurrentLoad >= agent.Capacity
}

// LoadRatio returns current load as a fraction of capacity, in [0, 1].
func (agent *Agent) LoadRatio() float64 {
	if agent.Capacity <= 0 {
		return 0
	}
	ratio := float64(agent.CurrentLoad) / float64(agent.Capacity)
	if ratio > 1 {
		return 1
	}
	return ratio
}

func contains(list []string, value string) bool {
	for _, v := range list {
		if v == value {
			return true
		}
	}
	return false
}
