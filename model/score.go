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

import "sort"

// ScoreWeights is the tunable scoring policy. The exact weighting is an
// operator decision; the engine only guarantees the contract: scores are
// non-negative, higher is better, and identical inputs always produce the
// same score.
type ScoreWeights struct {
	Online      float64 `json:"online"`
	Reliability float64 `json:"reliability"`
	Load        float64 `json:"load"`
}

// DefaultScoreWeights favours availability first, then track record, then
// headroom.
func DefaultScoreWeights() ScoreWeights {
	return ScoreWeights{Online: 50, Reliability: 30, Load: 20}
}

func onlineBase(status OnlineStatus) float64 {
	switch status {
	case AgentOnline:
		return 1.0
	case AgentBusy:
		return 0.5
	default:
		return 0
	}
}

// ScoreAgent computes the suitability score for one candidate. It is a pure
// function of the agent snapshot and the weights, so a recorded evaluation
// can always be reproduced from its inputs. Reliability is an opaque figure
// in [0, 1] supplied by the availability subsystem.
func ScoreAgent(agent *Agent, weights ScoreWeights) float64 {
	reliability := agent.Reliability
	if reliability < 0 {
		reliability = 0
	}
	if reliability > 1 {
		reliability = 1
	}
	score := onlineBase(agent.OnlineStatus)*weights.Online +
		reliability*weights.Reliability +
		(1-agent.LoadRatio())*weights.Load
	if score < 0 {
		return 0
	}
	return score
}

// ScoredCandidate pairs an agent snapshot with its computed score.
type ScoredCandidate struct {
	Agent *Agent
	Score float64
}

// RankCandidates orders candidates best-first. Ties break on lower current
// load, then lexicographically smallest agent ID, keeping selection
// deterministic and testable.
func RankCandidates(candidates []ScoredCandidate) {
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		if candidates[i].Agent.CurrentLoad != candidates[j].Agent.CurrentLoad {
			return candidates[i].Agent.CurrentLoad < candidates[j].Agent.CurrentLoad
		}
		return candidates[i].Agent.AgentID < candidates[j].Agent.AgentID
	})
}

// SelectCandidate picks the top-ranked candidate, or nil when the list is
// empty. An empty list is a normal terminal condition for a round, not an
// error.
func SelectCandidate(candidates []ScoredCandidate) *ScoredCandidate {
	if len(candidates) == 0 {
		return nil
	}
	RankCandidates(candidates)
	return &candidates[0]
}
