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
	"fmt"
	"log"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/payrail/dispatch"
	"github.com/payrail/dispatch/config"
	"github.com/payrail/dispatch/database"
	"github.com/payrail/dispatch/internal/notification"
)

// Cli encapsulates the root Cobra command.
type Cli struct {
	cmd *cobra.Command
}

// engineInstance holds the dispatch engine and its configuration for the
// lifetime of a command.
type engineInstance struct {
	engine *dispatch.Dispatch
	cnf    *config.Configuration
}

func recoverPanic() {
	if rec := recover(); rec != nil {
		logrus.Error(rec)
		os.Exit(1)
	}
}

func preRun(app *engineInstance, configFile *string) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		err := config.InitConfig(*configFile)
		if err != nil {
			log.Fatal("error loading config", err)
		}

		cnf, err := config.Fetch()
		if err != nil {
			return err
		}

		newEngine, err := setupEngine(cnf)
		if err != nil {
			notification.NotifyError(err)
			log.Fatal(err)
		}

		app.engine = newEngine
		app.cnf = cnf
		return nil
	}
}

func setupEngine(cfg *config.Configuration) (*dispatch.Dispatch, error) {
	db, err := database.NewDataSource(cfg)
	if err != nil {
		return nil, fmt.Errorf("error getting datasource: %v", err)
	}

	newEngine, err := dispatch.NewDispatch(db)
	if err != nil {
		return nil, fmt.Errorf("error creating dispatch engine: %v", err)
	}
	return newEngine, nil
}

// NewCLI creates the command-line interface for the dispatch server.
func NewCLI() *Cli {
	var configFile string
	b := &engineInstance{}

	var rootCmd = &cobra.Command{
		Use:   "dispatch",
		Short: "Transaction dispatch engine",
		Run:   func(cmd *cobra.Command, args []string) {},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "./dispatch.json", "Configuration file for the dispatch server")
	rootCmd.PersistentPreRunE = preRun(b, &configFile)

	rootCmd.AddCommand(serverCommands(b))
	rootCmd.AddCommand(workerCommands(b))

	return &Cli{cmd: rootCmd}
}

func (w Cli) executeCli() {
	if err := w.cmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func main() {
	defer recoverPanic()
	cli := NewCLI()
	cli.executeCli()
}
