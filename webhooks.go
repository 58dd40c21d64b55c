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
	"log"
	"net/http"
	"time"

	"github.com/payrail/dispatch/config"
	"github.com/payrail/dispatch/internal/notification"
	"github.com/payrail/dispatch/internal/request"
	"github.com/payrail/dispatch/model"
)

// WebhookEvent is the envelope posted to the payment workflow and to agent
// channels. Event names: dispatch.resolved, assignment.offered.
type WebhookEvent struct {
	Event     string      `json:"event"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

type resolvedPayload struct {
	TransactionID string               `json:"transaction_id"`
	Status        model.DispatchStatus `json:"status"`
	FailureCode   model.FailureCode    `json:"failure_code,omitempty"`
	FailureReason string               `json:"failure_reason,omitempty"`
	Assignment    *model.Assignment    `json:"assignment,omitempty"`
}

// notifyResolved tells the payment workflow that dispatch concluded, either
// with an accepted assignment or with a terminal failure. Delivery is
// best-effort and asynchronous; the authoritative outcome lives in the
// database regardless.
func (d *Dispatch) notifyResolved(_ context.Context, transaction *model.Transaction, assignment *model.Assignment, failureReason string) {
	cfg, err := config.Fetch()
	if err != nil {
		log.Println(err)
		return
	}
	if cfg.Notification.Webhook.Url == "" {
		return
	}

	event := WebhookEvent{
		Event:     "dispatch.resolved",
		Timestamp: time.Now(),
		Payload: resolvedPayload{
			TransactionID: transaction.TransactionID,
			Status:        transaction.Status,
			FailureCode:   transaction.FailureCode,
			FailureReason: failureReason,
			Assignment:    assignment,
		},
	}
	go postEvent(cfg.Notification.Webhook.Url, cfg.Notification.Webhook.Headers, event)
}

// notifyAgentOffer pushes a new offer to the agent channel so the agent can
// accept or reject before the deadline.
func (d *Dispatch) notifyAgentOffer(_ context.Context, assignment *model.Assignment) {
	cfg, err := config.Fetch()
	if err != nil {
		log.Println(err)
		return
	}
	if cfg.Notification.AgentChannel.Url == "" {
		return
	}

	event := WebhookEvent{
		Event:     "assignment.offered",
		Timestamp: time.Now(),
		Payload:   assignment,
	}
	go postEvent(cfg.Notification.AgentChannel.Url, cfg.Notification.AgentChannel.Headers, event)
}

func postEvent(url string, headers map[string]string, event WebhookEvent) {
	payload, err := request.ToJsonReq(&event)
	if err != nil {
		notification.NotifyError(err)
		return
	}

	req, err := http.NewRequest(http.MethodPost, url, payload)
	if err != nil {
		notification.NotifyError(err)
		return
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	var response map[string]interface{}
	if _, err := request.Call(req, &response); err != nil {
		notification.NotifyError(err)
	}
}
