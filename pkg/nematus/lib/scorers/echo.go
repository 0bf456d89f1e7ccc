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

package scorers

import (
	"context"
	"fmt"
	"math"

	"github.com/mghozyah/nematus/pkg/nematus/lib/batching"
	"github.com/mghozyah/nematus/pkg/nematus/lib/search"
)

func init() {
	Register("echo", func(_ string, vocabSize int, eosID int32) (search.Scorer, error) {
		return NewEchoScorer(vocabSize, eosID)
	})
}

// EchoScorer is a deterministic reference backend that puts most of the
// probability mass on the source token at the hypothesis's current
// position (first factor), then on end-of-sequence once the source is
// exhausted. It exercises the whole pipeline without a neural model:
// a 1-best translation through a shared vocabulary reproduces the input.
type EchoScorer struct {
	vocabSize int
	eosID     int32
}

// echoState is the opaque per-row state: the row's source ids and how many
// target tokens the row has emitted.
type echoState struct {
	src []int32
	pos int
}

var _ search.Scorer = (*EchoScorer)(nil)

// NewEchoScorer builds an echo scorer over a target vocabulary.
func NewEchoScorer(vocabSize int, eosID int32) (*EchoScorer, error) {
	if vocabSize < 1 {
		return nil, fmt.Errorf("scorers: vocab size must be >= 1, got %d", vocabSize)
	}
	if int(eosID) >= vocabSize || eosID < 0 {
		return nil, fmt.Errorf("scorers: eos id %d outside vocabulary of size %d", eosID, vocabSize)
	}
	return &EchoScorer{vocabSize: vocabSize, eosID: eosID}, nil
}

// InitialStates prepares beamWidth rows per sentence, each starting at
// source position 0.
func (e *EchoScorer) InitialStates(_ context.Context, batch *batching.Minibatch, beamWidth int) ([]search.State, error) {
	states := make([]search.State, 0, batch.Size()*beamWidth)
	for _, sent := range batch.Sentences {
		src := make([]int32, sent.Len())
		for pos := range src {
			src[pos] = sent.IDs[pos][0]
		}
		for slot := 0; slot < beamWidth; slot++ {
			states = append(states, &echoState{src: src})
		}
	}
	return states, nil
}

// ScoreStep favors the source token at each row's position with p=0.9,
// spreading the rest uniformly. States are replaced, not mutated, so rows
// sharing a parent stay independent after beam reordering.
func (e *EchoScorer) ScoreStep(_ context.Context, states []search.State, _ []int32) (*search.StepResult, error) {
	res := &search.StepResult{
		LogProbs:   make([][]float32, len(states)),
		States:     make([]search.State, len(states)),
		Alignments: make([][]float32, len(states)),
	}
	for r, st := range states {
		es, ok := st.(*echoState)
		if !ok {
			return nil, fmt.Errorf("scorers: echo got foreign state %T", st)
		}

		target := e.eosID
		if es.pos < len(es.src) && int(es.src[es.pos]) < e.vocabSize {
			target = es.src[es.pos]
		}

		row := make([]float32, e.vocabSize)
		if e.vocabSize == 1 {
			row[0] = 0
		} else {
			rest := float32(math.Log(0.1 / float64(e.vocabSize-1)))
			for t := range row {
				row[t] = rest
			}
			row[target] = float32(math.Log(0.9))
		}
		res.LogProbs[r] = row

		if len(es.src) > 0 {
			align := make([]float32, len(es.src))
			at := es.pos
			if at >= len(es.src) {
				at = len(es.src) - 1
			}
			align[at] = 1
			res.Alignments[r] = align
		}

		res.States[r] = &echoState{src: es.src, pos: es.pos + 1}
	}
	return res, nil
}
