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
	"log"

	"github.com/spf13/cobra"

	"github.com/payrail/dispatch/api"
)

// serverCommands starts the HTTP API. Round processing and offer expiry run
// on the worker process; the server only records work and answers reads.
func serverCommands(b *engineInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "start the dispatch HTTP server",
		Run: func(cmd *cobra.Command, args []string) {
			router := api.NewAPI(b.engine).Router()
			port := b.cnf.Server.Port
			log.Printf("Starting dispatch server on :%s", port)
			if err := router.Run(":" + port); err != nil {
				log.Fatal(err)
			}
		},
	}
	return cmd
}
