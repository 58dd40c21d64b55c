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
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log"
	"time"

	"github.com/hibiken/asynq"

	"github.com/payrail/dispatch/config"
	redis_db "github.com/payrail/dispatch/internal/redis-db"
)

// Queue schedules dispatch work on asynq: round tasks and delayed
// offer-expiry tasks.
type Queue struct {
	Client    *asynq.Client
	Inspector *asynq.Inspector
}

// RoundTaskPayload is the payload of a round task.
type RoundTaskPayload struct {
	TransactionID string `json:"transaction_id"`
	RoundNumber   int    `json:"round_number"`
}

// ExpiryTaskPayload is the payload of an offer-expiry task.
type ExpiryTaskPayload struct {
	AssignmentID string `json:"assignment_id"`
}

// NewQueue initializes a new Queue instance with the provided configuration.
func NewQueue(conf *config.Configuration) *Queue {
	redisOption, err := redis_db.ParseRedisURL(conf.Redis.Dns, conf.Redis.SkipTLSVerify)
	if err != nil {
		log.Fatalf("Error parsing Redis URL: %v", err)
	}

	queueOptions := asynq.RedisClientOpt{Addr: redisOption.Addr, Password: redisOption.Password, DB: redisOption.DB, TLSConfig: redisOption.TLSConfig}
	client := asynq.NewClient(queueOptions)
	inspector := asynq.NewInspector(queueOptions)
	return &Queue{
		Client:    client,
		Inspector: inspector,
	}
}

// EnqueueRound schedules round processing for a transaction. All rounds of
// one transaction hash to the same queue, so they are processed serially
// and round n+1 can never overtake round n.
func (q *Queue) EnqueueRound(ctx context.Context, transactionID string, roundNumber int) error {
	ctx, span := tracer.Start(ctx, "Adding Round To Redis Queue")
	defer span.End()

	cfg, err := config.Fetch()
	if err != nil {
		return err
	}

	payload, err := json.Marshal(RoundTaskPayload{TransactionID: transactionID, RoundNumber: roundNumber})
	if err != nil {
		return err
	}

	queueIndex := hashTransactionID(transactionID) % cfg.Queue.NumberOfQueues
	queueName := fmt.Sprintf("%s_%d", cfg.Queue.RoundQueue, queueIndex+1)
	taskOptions := []asynq.Option{
		asynq.TaskID(fmt.Sprintf("%s_round_%d", transactionID, roundNumber)),
		asynq.Queue(queueName),
		asynq.MaxRetry(cfg.Queue.MaxRetryAttempts),
	}
	task := asynq.NewTask(queueName, payload, taskOptions...)

	info, err := q.Client.EnqueueContext(ctx, task)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			log.Printf(" [*] Round %d for transaction %s already enqueued", roundNumber, transactionID)
			return nil
		}
		log.Println(err, info)
		return err
	}
	log.Printf(" [*] Successfully enqueued round %d for transaction: %s", roundNumber, transactionID)
	return nil
}

// QueueOfferExpiry schedules the timeout check for an open offer. The task
// fires at the offer deadline; if the assignment is still pending by then it
// is expired with the same downstream effect as a rejection.
func (q *Queue) QueueOfferExpiry(ctx context.Context, assignmentID string, expiresAt time.Time) error {
	cfg, err := config.Fetch()
	if err != nil {
		return err
	}

	payload, err := json.Marshal(ExpiryTaskPayload{AssignmentID: assignmentID})
	if err != nil {
		return err
	}
	taskOptions := []asynq.Option{
		asynq.TaskID(assignmentID),
		asynq.Queue(cfg.Queue.ExpiryQueue),
		asynq.ProcessIn(time.Until(expiresAt)),
		asynq.MaxRetry(cfg.Queue.MaxRetryAttempts),
	}
	task := asynq.NewTask(cfg.Queue.ExpiryQueue, payload, taskOptions...)

	info, err := q.Client.EnqueueContext(ctx, task)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			log.Printf(" [*] Offer expiry already scheduled: %s", assignmentID)
			return nil
		}
		log.Println(err, info)
		return err
	}
	log.Printf(" [*] Successfully enqueued offer expiry: %s", assignmentID)
	return nil
}

// hashTransactionID returns a consistent hash value for a transaction ID.
func hashTransactionID(transactionID string) int {
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(transactionID))
	return int(hasher.Sum32())
}
