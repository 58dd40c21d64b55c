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

package config

import (
	"encoding/json"
	"errors"
	"log"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/sirupsen/logrus"
)

const (
	DEFAULT_PORT = "5401"
)

var ConfigStore atomic.Value

type ServerConfig struct {
	Secure    bool   `json:"secure" envconfig:"DISPATCH_SERVER_SECURE"`
	SecretKey string `json:"secret_key" envconfig:"DISPATCH_SERVER_SECRET_KEY"`
	Port      string `json:"port" envconfig:"DISPATCH_SERVER_PORT"`
}

type DataSourceConfig struct {
	Dns string `json:"dns" envconfig:"DISPATCH_DATA_SOURCE_DNS"`
}

type RedisConfig struct {
	Dns           string `json:"dns" envconfig:"DISPATCH_REDIS_DNS"`
	SkipTLSVerify bool   `json:"skip_tls_verify" envconfig:"DISPATCH_REDIS_SKIP_TLS_VERIFY"`
}

type QueueConfig struct {
	RoundQueue       string `json:"round_queue" envconfig:"DISPATCH_QUEUE_ROUND"`
	ExpiryQueue      string `json:"expiry_queue" envconfig:"DISPATCH_QUEUE_EXPIRY"`
	NumberOfQueues   int    `json:"number_of_queues" envconfig:"DISPATCH_NUMBER_OF_QUEUES"`
	MaxRetryAttempts int    `json:"max_retry_attempts" envconfig:"DISPATCH_QUEUE_MAX_RETRY_ATTEMPTS"`
}

type ScoreWeightsConfig struct {
	Online      float64 `json:"online" envconfig:"DISPATCH_SCORE_ONLINE_WEIGHT"`
	Reliability float64 `json:"reliability" envconfig:"DISPATCH_SCORE_RELIABILITY_WEIGHT"`
	Load        float64 `json:"load" envconfig:"DISPATCH_SCORE_LOAD_WEIGHT"`
}

// DispatchConfig bounds the retry scheduler: how many rounds to attempt, how
// long a single offer stays open, and an optional overall deadline across
// all rounds (0 disables it).
type DispatchConfig struct {
	MaxRounds          int                `json:"max_rounds" envconfig:"DISPATCH_MAX_ROUNDS"`
	OfferTTLSec        int                `json:"offer_ttl_sec" envconfig:"DISPATCH_OFFER_TTL_SEC"`
	OverallDeadlineSec int                `json:"overall_deadline_sec" envconfig:"DISPATCH_OVERALL_DEADLINE_SEC"`
	ScoreWeights       ScoreWeightsConfig `json:"score_weights"`
}

func (d DispatchConfig) OfferTTL() time.Duration {
	return time.Duration(d.OfferTTLSec) * time.Second
}

func (d DispatchConfig) OverallDeadline() time.Duration {
	return time.Duration(d.OverallDeadlineSec) * time.Second
}

// AvailabilityConfig points at the agent-availability subsystem consulted
// for live agent state during candidate evaluation.
type AvailabilityConfig struct {
	Url     string `json:"url" envconfig:"DISPATCH_AVAILABILITY_URL"`
	Timeout int    `json:"timeout" envconfig:"DISPATCH_AVAILABILITY_TIMEOUT"`
	Headers struct {
		Authorization string `json:"Authorization"`
	} `json:"headers"`
	CacheTTLSec int `json:"cache_ttl_sec" envconfig:"DISPATCH_AVAILABILITY_CACHE_TTL_SEC"`
}

type RateLimitConfig struct {
	RequestsPerSecond  *float64 `json:"requests_per_second" envconfig:"DISPATCH_RATE_LIMIT_RPS"`
	Burst              *int     `json:"burst" envconfig:"DISPATCH_RATE_LIMIT_BURST"`
	CleanupIntervalSec *int     `json:"cleanup_interval_sec" envconfig:"DISPATCH_RATE_LIMIT_CLEANUP_INTERVAL_SEC"`
}

type SlackWebhook struct {
	WebhookUrl string `json:"webhook_url"`
}

type Notification struct {
	Slack   SlackWebhook `json:"slack"`
	Webhook struct {
		Url     string            `json:"url"`
		Headers map[string]string `json:"headers"`
	} `json:"webhook"`
	AgentChannel struct {
		Url     string            `json:"url"`
		Headers map[string]string `json:"headers"`
	} `json:"agent_channel"`
}

type Configuration struct {
	ProjectName  string             `json:"project_name" envconfig:"DISPATCH_PROJECT_NAME"`
	Server       ServerConfig       `json:"server"`
	DataSource   DataSourceConfig   `json:"data_source"`
	Redis        RedisConfig        `json:"redis"`
	Queue        QueueConfig        `json:"queue"`
	Dispatch     DispatchConfig     `json:"dispatch"`
	Availability AvailabilityConfig `json:"availability"`
	Notification Notification       `json:"notification"`
	RateLimit    RateLimitConfig    `json:"rate_limit"`
}

func loadConfigFromFile(file string) error {
	var cnf Configuration
	_, err := os.Stat(file)
	if err == nil {
		f, err := os.Open(file)
		if err != nil {
			return err
		}
		err = json.NewDecoder(f).Decode(&cnf)
		if err != nil {
			return err
		}
	} else if errors.Is(err, os.ErrNotExist) {
		log.Println("config json not passed, will use env variables")
	}

	// override config from environment variables
	err = envconfig.Process("dispatch", &cnf)
	if err != nil {
		return err
	}

	err = cnf.validateAndAddDefaults()
	if err != nil {
		return err
	}

	ConfigStore.Store(&cnf)
	return err
}

func InitConfig(configFile string) error {
	logger()
	return loadConfigFromFile(configFile)
}

func Fetch() (*Configuration, error) {
	config := ConfigStore.Load()
	c, ok := config.(*Configuration)
	if !ok {
		return nil, errors.New("config not loaded from file. Create a json file called dispatch.json with your config ❌")
	}
	return c, nil
}

func (cnf *Configuration) validateAndAddDefaults() error {
	if cnf.ProjectName == "" {
		log.Println("Warning: Project name is empty. Setting a default name.")
		cnf.ProjectName = "Dispatch Server"
	}

	if cnf.DataSource.Dns == "" {
		log.Println("Error: Data source DNS is empty. It's a required field.")
		return errors.New("data source DNS is required")
	}

	if cnf.Redis.Dns == "" {
		log.Println("Error: Redis DNS is empty. It's a required field.")
		return errors.New("redis DNS is required")
	}

	// Trim white spaces from fields
	cnf.ProjectName = strings.TrimSpace(cnf.ProjectName)
	cnf.Server.Port = strings.TrimSpace(cnf.Server.Port)
	cnf.DataSource.Dns = strings.TrimSpace(cnf.DataSource.Dns)
	cnf.Redis.Dns = strings.TrimSpace(cnf.Redis.Dns)

	if cnf.Server.Port == "" {
		cnf.Server.Port = DEFAULT_PORT
		log.Printf("Warning: Port not specified in config. Setting default port: %s", DEFAULT_PORT)
	}

	if cnf.Queue.RoundQueue == "" {
		cnf.Queue.RoundQueue = "new:round"
	}
	if cnf.Queue.ExpiryQueue == "" {
		cnf.Queue.ExpiryQueue = "new:offer_expiry"
	}
	if cnf.Queue.NumberOfQueues <= 0 {
		cnf.Queue.NumberOfQueues = 4
	}
	if cnf.Queue.MaxRetryAttempts <= 0 {
		cnf.Queue.MaxRetryAttempts = 5
	}

	if cnf.Dispatch.MaxRounds <= 0 {
		cnf.Dispatch.MaxRounds = 3
		log.Printf("Warning: Max rounds not specified. Setting default value: %d", cnf.Dispatch.MaxRounds)
	}
	if cnf.Dispatch.OfferTTLSec <= 0 {
		cnf.Dispatch.OfferTTLSec = 120
		log.Printf("Warning: Offer TTL not specified. Setting default value: %d seconds", cnf.Dispatch.OfferTTLSec)
	}
	if cnf.Dispatch.OverallDeadlineSec < 0 {
		cnf.Dispatch.OverallDeadlineSec = 0
	}
	if cnf.Dispatch.ScoreWeights.Online == 0 && cnf.Dispatch.ScoreWeights.Reliability == 0 && cnf.Dispatch.ScoreWeights.Load == 0 {
		cnf.Dispatch.ScoreWeights = ScoreWeightsConfig{Online: 50, Reliability: 30, Load: 20}
	}

	if cnf.Availability.Timeout <= 0 {
		cnf.Availability.Timeout = 5
	}
	if cnf.Availability.CacheTTLSec <= 0 {
		cnf.Availability.CacheTTLSec = 3
	}

	// Rate limiting is disabled by default (when both RPS and Burst are nil)
	if cnf.RateLimit.RequestsPerSecond != nil && cnf.RateLimit.Burst == nil {
		defaultBurst := 2 * int(*cnf.RateLimit.RequestsPerSecond)
		cnf.RateLimit.Burst = &defaultBurst
		log.Printf("Warning: Rate limit burst not specified. Setting default value: %d", defaultBurst)
	}
	if cnf.RateLimit.RequestsPerSecond == nil && cnf.RateLimit.Burst != nil {
		defaultRPS := float64(*cnf.RateLimit.Burst) / 2
		cnf.RateLimit.RequestsPerSecond = &defaultRPS
		log.Printf("Warning: Rate limit RPS not specified. Setting default value: %.2f", defaultRPS)
	}
	if cnf.RateLimit.CleanupIntervalSec == nil {
		defaultCleanup := 10800 // 3 hours in seconds
		cnf.RateLimit.CleanupIntervalSec = &defaultCleanup
	}

	return nil
}

// MockConfig sets a mock configuration for testing purposes.
func MockConfig(mockConfig *Configuration) {
	ConfigStore.Store(mockConfig)
}

func logger() {
	logger := logrus.New()
	log.SetOutput(logger.Writer())
}
