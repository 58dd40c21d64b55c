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
	"time"

	"github.com/payrail/dispatch/model"
)

// RegisterAgent onboards a settlement agent with its capability profile.
func (d *Dispatch) RegisterAgent(ctx context.Context, agent *model.Agent) (*model.Agent, error) {
	ctx, span := tracer.Start(ctx, "Registering agent")
	defer span.End()

	if agent.AgentID == "" {
		agent.AgentID = model.GenerateUUIDWithSuffix("agt")
	}
	if agent.AccountStatus == "" {
		agent.AccountStatus = model.AccountActive
	}
	agent.CreatedAt = time.Now()
	return d.datasource.CreateAgent(ctx, agent)
}

// GetAgent returns an agent's capability profile and stored load.
func (d *Dispatch) GetAgent(ctx context.Context, agentID string) (*model.Agent, error) {
	return d.datasource.GetAgent(ctx, agentID)
}

// ReleaseAgent frees one unit of the agent's load once the payment workflow
// reports the assigned transaction settled or abandoned.
func (d *Dispatch) ReleaseAgent(ctx context.Context, agentID string) error {
	ctx, span := tracer.Start(ctx, "Releasing agent load")
	defer span.End()
	return d.datasource.DecrementAgentLoad(ctx, agentID)
}
