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
	"fmt"

	"github.com/google/uuid"
)

// GenerateUUIDWithSuffix generates a UUID prefixed with the given module name.
// Used for all engine-owned identifiers: "txn", "rnd", "asg", "agt".
func GenerateUUIDWithSuffix(module string) string {
	id := uuid.New()
	return fmt.Sprintf("%s_%s", module, id.String())
}

// FailureCode classifies why a candidate, assignment or the whole dispatch
// did not succeed. Codes are persisted verbatim in the round history and
// rendered by the operator console.
type FailureCode string

const (
	FailureCapacityExceeded FailureCode = "capacity_exceeded"
	FailureOffline          FailureCode = "offline"
	FailureRejectedByAgent  FailureCode = "rejected_by_agent"
	FailureExpired          FailureCode = "expired"
	FailureNoCandidates     FailureCode = "exhausted_candidates"
	FailureMaxRounds        FailureCode = "max_rounds_reached"
	FailureDeadline         FailureCode = "deadline_exceeded"
	FailureCancelled        FailureCode = "cancelled"
	FailureUnavailable      FailureCode = "availability_unreachable"
)
