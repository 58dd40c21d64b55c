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
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/payrail/dispatch/model"
)

// Every round of one transaction must land on the same queue, otherwise
// round order is no longer guaranteed.
func TestHashTransactionIDIsStable(t *testing.T) {
	transactionID := model.GenerateUUIDWithSuffix("txn")
	first := hashTransactionID(transactionID)
	for i := 0; i < 100; i++ {
		assert.Equal(t, first, hashTransactionID(transactionID))
	}
}

func TestHashTransactionIDSpreadsAcrossQueues(t *testing.T) {
	const numberOfQueues = 4
	seen := make(map[int]bool)
	for i := 0; i < 200; i++ {
		idx := hashTransactionID(model.GenerateUUIDWithSuffix("txn")) % numberOfQueues
		assert.GreaterOrEqual(t, idx, 0)
		assert.Less(t, idx, numberOfQueues)
		seen[idx] = true
	}
	assert.Len(t, seen, numberOfQueues)
}
