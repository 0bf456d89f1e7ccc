// Copyright 2026 The Nematus Go Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package search

import (
	"context"

	"github.com/mghozyah/nematus/pkg/nematus/lib/batching"
)

// StartToken is fed as the previous token on the first decoding step, when
// no target token has been emitted yet.
const StartToken int32 = -1

// State is an opaque per-row scorer state. The engine never copies or
// inspects a State; it only carries states across steps and permutes the
// slice so each state follows its surviving hypothesis row.
type State any

// StepResult holds the outcome of scoring one decoding step for every
// hypothesis row in a minibatch.
type StepResult struct {
	// LogProbs contains next-token log-probabilities, [row][vocabulary id].
	LogProbs [][]float32

	// States are the per-row hidden states to feed into the next step.
	States []State

	// Alignments optionally carries per-row attention weights over the
	// source positions, [row][source position]. Nil when the scorer does
	// not report attention.
	Alignments [][]float32
}

// Scorer is the external scoring collaborator. Implementations may be
// backed by an accelerator; calls block until scores are available. A
// minibatch with n sentences and beam width k is scored as n*k rows per
// call, row r = sentence*k + slot.
type Scorer interface {
	// InitialStates prepares one opaque state per hypothesis row for a
	// minibatch, beamWidth rows per sentence.
	InitialStates(ctx context.Context, batch *batching.Minibatch, beamWidth int) ([]State, error)

	// ScoreStep scores the next token for every row given its state and
	// previously emitted token (StartToken on the first step).
	ScoreStep(ctx context.Context, states []State, prevTokens []int32) (*StepResult, error)
}
