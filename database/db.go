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
	"database/sql"
	"log"
	"sync"

	"github.com/payrail/dispatch/config"
)

// Declare a package-level variable to hold the singleton instance.
// Ensure the instance is not accessible outside the package.
var instance *Datasource
var once sync.Once

type Datasource struct {
	Conn *sql.DB
}

func NewDataSource(configuration *config.Configuration) (IDataSource, error) {
	con, err := GetDBConnection(configuration)
	if err != nil {
		return nil, err
	}
	return con, nil
}

// GetDBConnection provides a global access point to the instance and initializes it if it's not already.
func GetDBConnection(configuration *config.Configuration) (*Datasource, error) {
	var err error
	once.Do(func() {
		con, errConn := ConnectDB(configuration.DataSource.Dns)
		if errConn != nil {
			err = errConn
			return
		}
		instance = &Datasource{Conn: con}
	})
	if err != nil {
		return nil, err
	}
	return instance, nil
}

func ConnectDB(dns string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dns)
	if err != nil {
		return nil, err
	}
	err = db.Ping()
	if err != nil {
		log.Printf("database Connection error ❌: %v", err)
		return nil, err
	}
	err = createAgentTable(db)
	if err != nil {
		return nil, err
	}
	err = createDispatchTransactionTable(db)
	if err != nil {
		return nil, err
	}
	err = createDispatchRoundTable(db)
	if err != nil {
		return nil, err
	}
	err = createCandidateEvaluationTable(db)
	if err != nil {
		return nil, err
	}
	err = createAssignmentTable(db)
	if err != nil {
		return nil, err
	}
	return db, nil
}

// createAgentTable creates a PostgreSQL table for the Agent struct
func createAgentTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS agents (
			id SERIAL PRIMARY KEY,
			agent_id TEXT NOT NULL UNIQUE,
			account_id TEXT NOT NULL,
			payment_address TEXT,
			account_status TEXT NOT NULL DEFAULT 'active',
			currencies TEXT[] NOT NULL,
			countries TEXT[] NOT NULL,
			methods TEXT[] NOT NULL,
			min_amount NUMERIC NOT NULL DEFAULT 0,
			max_amount NUMERIC NOT NULL DEFAULT 0,
			capacity INT NOT NULL DEFAULT 0,
			current_load INT NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL DEFAULT NOW()
		)
	`)
	log.Println(err)
	return err
}

// createDispatchTransactionTable creates a PostgreSQL table for the engine's
// view of a transaction awaiting assignment
func createDispatchTransactionTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS dispatch_transactions (
			id SERIAL PRIMARY KEY,
			transaction_id TEXT NOT NULL UNIQUE,
			reference TEXT,
			currency TEXT NOT NULL,
			country TEXT NOT NULL,
			method TEXT NOT NULL,
			amount NUMERIC NOT NULL,
			status TEXT NOT NULL,
			failure_code TEXT,
			created_at TIMESTAMP NOT NULL DEFAULT NOW(),
			meta_data JSONB
		)
	`)
	log.Println(err)
	return err
}

// createDispatchRoundTable creates a PostgreSQL table for the DispatchRound struct
func createDispatchRoundTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS dispatch_rounds (
			id SERIAL PRIMARY KEY,
			round_id TEXT NOT NULL UNIQUE,
			transaction_id TEXT NOT NULL REFERENCES dispatch_transactions(transaction_id),
			round_number INT NOT NULL,
			success BOOLEAN NOT NULL DEFAULT FALSE,
			failure_code TEXT,
			failure_reason TEXT,
			total_candidates INT NOT NULL DEFAULT 0,
			failed_candidates INT NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL DEFAULT NOW(),
			UNIQUE (transaction_id, round_number)
		)
	`)
	log.Println(err)
	return err
}

// createCandidateEvaluationTable creates a PostgreSQL table for the CandidateEvaluation struct
func createCandidateEvaluationTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS candidate_evaluations (
			id SERIAL PRIMARY KEY,
			evaluation_id TEXT NOT NULL UNIQUE,
			round_id TEXT NOT NULL REFERENCES dispatch_rounds(round_id),
			agent_id TEXT NOT NULL,
			account_id TEXT,
			payment_address TEXT,
			online_status TEXT,
			account_status TEXT,
			score DOUBLE PRECISION NOT NULL DEFAULT 0,
			selected BOOLEAN NOT NULL DEFAULT FALSE,
			failure_code TEXT,
			failure_reason TEXT
		)
	`)
	log.Println(err)
	return err
}

// createAssignmentTable creates a PostgreSQL table for the Assignment struct.
// The partial unique index is what enforces the at-most-one-pending-offer
// invariant per transaction.
func createAssignmentTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS assignments (
			id SERIAL PRIMARY KEY,
			assignment_id TEXT NOT NULL UNIQUE,
			round_id TEXT NOT NULL REFERENCES dispatch_rounds(round_id),
			transaction_id TEXT NOT NULL REFERENCES dispatch_transactions(transaction_id),
			agent_id TEXT NOT NULL,
			account_id TEXT,
			amount NUMERIC NOT NULL,
			currency TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT NOW(),
			expires_at TIMESTAMP NOT NULL,
			resolved_at TIMESTAMP,
			resolved_by TEXT,
			rejection_reason TEXT
		)
	`)
	if err != nil {
		log.Printf("Error creating assignments table: %v", err)
		return err
	}
	_, err = db.Exec(`
		CREATE UNIQUE INDEX IF NOT EXISTS one_pending_assignment_per_transaction
		ON assignments (transaction_id) WHERE status = 'pending'
	`)
	log.Println(err)
	return err
}
