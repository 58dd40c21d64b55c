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

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"github.com/payrail/dispatch"
	"github.com/payrail/dispatch/config"
	redis_db "github.com/payrail/dispatch/internal/redis-db"
)

// processRound handles a round task from the Redis queue. Errors bubble up
// so asynq retries the task; a round already on record is a quiet no-op
// inside the engine.
func (b *engineInstance) processRound(ctx context.Context, t *asynq.Task) error {
	ctx, span := otel.Tracer("dispatch.worker").Start(ctx, "Process Round From Redis Queue")
	defer span.End()

	var payload dispatch.RoundTaskPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		logrus.Error(err)
		return err
	}

	if err := b.engine.ProcessRound(ctx, payload.TransactionID, payload.RoundNumber); err != nil {
		logrus.Infof("Round %d for transaction %s pushed back for retry due to error: %v", payload.RoundNumber, payload.TransactionID, err)
		return err
	}

	log.Println(" [*] Round Processed", payload.TransactionID)
	return nil
}

// processOfferExpiry handles the expiry of an open offer at its deadline.
func (b *engineInstance) processOfferExpiry(ctx context.Context, t *asynq.Task) error {
	var payload dispatch.ExpiryTaskPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		logrus.Error(err)
		return err
	}

	if err := b.engine.ExpireAssignment(ctx, payload.AssignmentID); err != nil {
		return err
	}

	logrus.Printf(" [*] Assignment Offer Expired %s", payload.AssignmentID)
	return nil
}

func initializeQueues() map[string]int {
	cfg, err := config.Fetch()
	if err != nil {
		log.Printf("Error fetching config, using defaults: %v", err)
		return nil
	}

	queues := make(map[string]int)
	queues[cfg.Queue.ExpiryQueue] = 3

	for i := 1; i <= cfg.Queue.NumberOfQueues; i++ {
		queueName := fmt.Sprintf("%s_%d", cfg.Queue.RoundQueue, i)
		queues[queueName] = 1
	}
	return queues
}

func initializeWorkerServer(conf *config.Configuration, queues map[string]int) (*asynq.Server, error) {
	redisOption, err := redis_db.ParseRedisURL(conf.Redis.Dns, conf.Redis.SkipTLSVerify)
	if err != nil {
		return nil, fmt.Errorf("error parsing Redis URL: %v", err)
	}

	return asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:      redisOption.Addr,
			Password:  redisOption.Password,
			DB:        redisOption.DB,
			TLSConfig: redisOption.TLSConfig,
		},
		asynq.Config{
			Concurrency: 1,
			Queues:      queues,
		},
	), nil
}

func initializeTaskHandlers(b *engineInstance, mux *asynq.ServeMux) {
	cfg, err := config.Fetch()
	if err != nil {
		log.Printf("Error fetching config, using defaults: %v", err)
		return
	}

	for i := 1; i <= cfg.Queue.NumberOfQueues; i++ {
		queueName := fmt.Sprintf("%s_%d", cfg.Queue.RoundQueue, i)
		mux.HandleFunc(queueName, b.processRound)
	}

	mux.HandleFunc(cfg.Queue.ExpiryQueue, b.processOfferExpiry)
}

// workerCommands defines the "workers" command to start the worker process
// that drains the round and offer-expiry queues.
func workerCommands(b *engineInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workers",
		Short: "start dispatch workers",
		Run: func(cmd *cobra.Command, args []string) {
			conf, err := config.Fetch()
			if err != nil {
				log.Fatal("Error fetching config:", err)
			}

			queues := initializeQueues()

			srv, err := initializeWorkerServer(conf, queues)
			if err != nil {
				log.Fatal(err)
			}

			mux := asynq.NewServeMux()
			initializeTaskHandlers(b, mux)

			if err := srv.Run(mux); err != nil {
				log.Fatalf("could not run server: %v", err)
			}
		},
	}

	return cmd
}
