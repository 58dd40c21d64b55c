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
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/payrail/dispatch/config"
	"github.com/payrail/dispatch/database"
	redis_db "github.com/payrail/dispatch/internal/redis-db"
	"github.com/payrail/dispatch/model"
)

var tracer = otel.Tracer("dispatch.engine")

// logAndRecordError logs an error and records it on the given span.
func logAndRecordError(span trace.Span, msg string, err error) error {
	err = fmt.Errorf("%s: %w", msg, err)
	logrus.Error(err)
	span.RecordError(err)
	return err
}

// TaskQueue schedules the engine's deferred work: the next round of a
// transaction and the expiry check of an open offer.
type TaskQueue interface {
	EnqueueRound(ctx context.Context, transactionID string, roundNumber int) error
	QueueOfferExpiry(ctx context.Context, assignmentID string, expiresAt time.Time) error
}

// AvailabilityClient is the agent-availability subsystem: live online
// status, load and reliability for candidate agents. The engine treats the
// reliability figure as opaque input.
type AvailabilityClient interface {
	GetAvailability(ctx context.Context, agentIDs []string) (map[string]AgentAvailability, error)
}

// AgentAvailability is one agent's live state at evaluation time.
type AgentAvailability struct {
	AgentID      string             `json:"agent_id"`
	OnlineStatus model.OnlineStatus `json:"online_status"`
	CurrentLoad  int                `json:"current_load"`
	Reliability  float64            `json:"reliability"`
}

// Dispatch is the transaction dispatch engine: candidate resolution,
// scoring, selection, assignment lifecycle, round retry policy and audit
// recording.
type Dispatch struct {
	queue        TaskQueue
	redis        redis.UniversalClient
	datasource   database.IDataSource
	availability AvailabilityClient
}

// NewDispatch initializes the engine with the provided datasource. It
// fetches the configuration and wires the Redis client, task queue and
// availability client.
func NewDispatch(db database.IDataSource) (*Dispatch, error) {
	configuration, err := config.Fetch()
	if err != nil {
		return nil, err
	}
	redisClient, err := redis_db.NewRedisClient([]string{fmt.Sprintf("redis://%s", configuration.Redis.Dns)}, configuration.Redis.SkipTLSVerify)
	if err != nil {
		return nil, err
	}
	newQueue := NewQueue(configuration)
	availability, err := NewHTTPAvailabilityClient()
	if err != nil {
		return nil, err
	}

	return &Dispatch{
		queue:        newQueue,
		redis:        redisClient.Client(),
		datasource:   db,
		availability: availability,
	}, nil
}

func scoreWeights(cnf *config.Configuration) model.ScoreWeights {
	return model.ScoreWeights{
		Online:      cnf.Dispatch.ScoreWeights.Online,
		Reliability: cnf.Dispatch.ScoreWeights.Reliability,
		Load:        cnf.Dispatch.ScoreWeights.Load,
	}
}
