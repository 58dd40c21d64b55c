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
	"errors"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/shopspring/decimal"

	"github.com/payrail/dispatch/model"
)

// CreateDispatch is the request body for submitting a transaction to the
// dispatch engine. TransactionID is optional; the engine generates one when
// absent. Supplying your own ID makes retries idempotent.
type CreateDispatch struct {
	TransactionID string                 `json:"transaction_id"`
	Reference     string                 `json:"reference"`
	Currency      string                 `json:"currency"`
	Country       string                 `json:"country"`
	Method        string                 `json:"method"`
	Amount        decimal.Decimal        `json:"amount"`
	MetaData      map[string]interface{} `json:"meta_data"`
}

func (d *CreateDispatch) ValidateCreateDispatch() error {
	return validation.ValidateStruct(d,
		validation.Field(&d.Reference, validation.Required),
		validation.Field(&d.Currency, validation.Required, validation.Length(3, 3)),
		validation.Field(&d.Country, validation.Required, validation.Length(2, 2)),
		validation.Field(&d.Method, validation.Required),
		validation.Field(&d.Amount, validation.Required, validation.By(positiveAmount)),
	)
}

func (d *CreateDispatch) ToTransaction() *model.Transaction {
	return &model.Transaction{
		TransactionID: d.TransactionID,
		Reference:     d.Reference,
		Currency:      d.Currency,
		Country:       d.Country,
		Method:        d.Method,
		Amount:        d.Amount,
		MetaData:      d.MetaData,
	}
}

// CancelDispatch is the request body for cancelling an in-flight dispatch.
type CancelDispatch struct {
	Reason string `json:"reason"`
}

// ResolveAssignment is the request body for an agent accepting or rejecting
// an offer. Reason is only meaningful on rejection.
type ResolveAssignment struct {
	AgentID string `json:"agent_id"`
	Reason  string `json:"reason"`
}

func (r *ResolveAssignment) ValidateResolveAssignment() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.AgentID, validation.Required),
	)
}

// CreateAgent is the request body for onboarding a settlement agent.
type CreateAgent struct {
	AgentID        string          `json:"agent_id"`
	AccountID      string          `json:"account_id"`
	PaymentAddress string          `json:"payment_address"`
	Currencies     []string        `json:"currencies"`
	Countries      []string        `json:"countries"`
	Methods        []string        `json:"methods"`
	MinAmount      decimal.Decimal `json:"min_amount"`
	MaxAmount      decimal.Decimal `json:"max_amount"`
	Capacity       int             `json:"capacity"`
}

func (a *CreateAgent) ValidateCreateAgent() error {
	return validation.ValidateStruct(a,
		validation.Field(&a.AccountID, validation.Required),
		validation.Field(&a.Currencies, validation.Required, validation.Length(1, 0)),
		validation.Field(&a.Countries, validation.Required, validation.Length(1, 0)),
		validation.Field(&a.Methods, validation.Required, validation.Length(1, 0)),
		validation.Field(&a.Capacity, validation.Min(0)),
		validation.Field(&a.MaxAmount, validation.By(maxNotBelowMin(a))),
	)
}

func (a *CreateAgent) ToAgent() *model.Agent {
	return &model.Agent{
		AgentID:        a.AgentID,
		AccountID:      a.AccountID,
		PaymentAddress: a.PaymentAddress,
		AccountStatus:  model.AccountActive,
		Currencies:     a.Currencies,
		Countries:      a.Countries,
		Methods:        a.Methods,
		MinAmount:      a.MinAmount,
		MaxAmount:      a.MaxAmount,
		Capacity:       a.Capacity,
	}
}

func positiveAmount(value interface{}) error {
	amount, ok := value.(decimal.Decimal)
	if !ok {
		return errors.New("invalid amount type")
	}
	if !amount.IsPositive() {
		return errors.New("amount must be greater than zero")
	}
	return nil
}

func maxNotBelowMin(a *CreateAgent) validation.RuleFunc {
	return func(value interface{}) error {
		// A zero max amount means unbounded.
		if a.MaxAmount.IsPositive() && a.MaxAmount.LessThan(a.MinAmount) {
			return errors.New("max_amount must not be below min_amount")
		}
		return nil
	}
}
