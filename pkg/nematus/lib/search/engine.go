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

// Package search implements fixed-width beam search over an abstract
// scoring collaborator, with optional ensembling and length normalization.
//
// All sentences of a minibatch advance one step in lockstep: per step the
// engine issues exactly one ScoreStep call per scorer covering every
// hypothesis row, which keeps the whole minibatch batchable on an
// accelerator-backed scorer. Beams are stored as parallel fixed-capacity
// row slots (structure of arrays), row r = sentence*beamSize + slot.
package search

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/mghozyah/nematus/pkg/nematus/lib/batching"
)

// Config fixes the shape of a search plan. Plans are cached by beam size
// upstream, so per-request knobs live in Options instead.
type Config struct {
	// BeamSize is the fixed beam width per sentence, >= 1.
	BeamSize int

	// EOSID is the end-of-sequence id that finishes a hypothesis.
	EOSID int32

	// MaxLength is the hard cap on translation length, applied uniformly
	// to every sentence. Hypotheses still active at the cap are frozen
	// as-is and remain eligible for ranking.
	MaxLength int
}

// Options are per-search knobs that do not invalidate a cached plan.
type Options struct {
	// NormalizationAlpha divides a finished hypothesis's cost by
	// length^alpha when producing the final beam. Zero disables
	// normalization. Never applied to the live beam mid-search.
	NormalizationAlpha float32

	// ReturnAlignments records per-step, per-scorer attention weights for
	// the surviving path of each retained hypothesis.
	ReturnAlignments bool
}

// Engine runs beam search for one minibatch at a time across a fixed set
// of scorers. With more than one scorer the candidate step score is the
// sum of the per-scorer log-probabilities, each scorer evaluated on its
// own hidden state.
type Engine struct {
	scorers []Scorer
	cfg     Config
}

// NewEngine validates the configuration and builds an engine.
func NewEngine(scorers []Scorer, cfg Config) (*Engine, error) {
	if len(scorers) == 0 {
		return nil, errors.New("search: at least one scorer is required")
	}
	if cfg.BeamSize < 1 {
		return nil, fmt.Errorf("search: beam size must be >= 1, got %d", cfg.BeamSize)
	}
	if cfg.MaxLength < 1 {
		return nil, fmt.Errorf("search: max length must be >= 1, got %d", cfg.MaxLength)
	}
	return &Engine{scorers: scorers, cfg: cfg}, nil
}

// candidate is one (parent row, next token) expansion, or a finished parent
// carried into the next beam unchanged.
type candidate struct {
	parent  int
	token   int32
	cost    float32
	carried bool
}

// Search translates one minibatch and returns a beam per sentence, in
// minibatch order, each sorted ascending by (normalized) cost and holding
// exactly BeamSize hypotheses.
func (e *Engine) Search(ctx context.Context, batch *batching.Minibatch, opts Options) ([]Beam, error) {
	n := batch.Size()
	if n == 0 {
		return nil, nil
	}
	k := e.cfg.BeamSize
	rows := n * k

	states := make([][]State, len(e.scorers))
	for i, sc := range e.scorers {
		st, err := sc.InitialStates(ctx, batch, k)
		if err != nil {
			return nil, fmt.Errorf("scorer %d: initial states: %w", i, err)
		}
		if len(st) != rows {
			return nil, fmt.Errorf("scorer %d: got %d initial states, want %d", i, len(st), rows)
		}
		states[i] = st
	}

	// Only slot 0 of each sentence starts live; the remaining slots hold
	// an infinite cost so the beam is not seeded with beamSize copies of
	// the same empty hypothesis.
	tokens := make([][]int32, rows)
	costs := make([]float32, rows)
	finished := make([]bool, rows)
	for r := 0; r < rows; r++ {
		if r%k != 0 {
			costs[r] = float32(math.Inf(1))
		}
	}

	var aligns [][][][]float32 // [row][scorer][step][source position]
	if opts.ReturnAlignments {
		aligns = make([][][][]float32, rows)
		for r := range aligns {
			aligns[r] = make([][][]float32, len(e.scorers))
		}
	}

	prev := make([]int32, rows)
	for r := range prev {
		prev[r] = StartToken
	}

	for step := 0; step < e.cfg.MaxLength && !allFinished(finished); step++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		// One batched ScoreStep per scorer for the whole minibatch.
		// Ensemble rule: sum the per-scorer log-probabilities per token.
		var combined [][]float32
		stepAligns := make([][][]float32, len(e.scorers))
		for i, sc := range e.scorers {
			res, err := sc.ScoreStep(ctx, states[i], prev)
			if err != nil {
				return nil, fmt.Errorf("scorer %d: step %d: %w", i, step, err)
			}
			if len(res.LogProbs) != rows || len(res.States) != rows {
				return nil, fmt.Errorf("scorer %d: step %d: got %d rows, want %d", i, step, len(res.LogProbs), rows)
			}
			states[i] = res.States
			stepAligns[i] = res.Alignments
			if combined == nil {
				combined = make([][]float32, rows)
				for r := range combined {
					combined[r] = append([]float32(nil), res.LogProbs[r]...)
				}
			} else {
				for r := range combined {
					row := combined[r]
					for t := range row {
						row[t] += res.LogProbs[r][t]
					}
				}
			}
		}

		newTokens := make([][]int32, rows)
		newCosts := make([]float32, rows)
		newFinished := make([]bool, rows)
		newPrev := make([]int32, rows)
		parents := make([]int, rows)
		var newAligns [][][][]float32
		if opts.ReturnAlignments {
			newAligns = make([][][][]float32, rows)
		}

		for s := 0; s < n; s++ {
			cands := e.collectCandidates(s, costs, finished, combined)
			// A vocabulary smaller than the beam cannot fill every slot;
			// repeat the worst candidate so the beam keeps its width.
			for len(cands) < k {
				cands = append(cands, cands[len(cands)-1])
			}
			base := s * k
			for j := 0; j < k; j++ {
				c := cands[j]
				r := base + j
				parents[r] = c.parent
				if c.carried {
					newTokens[r] = tokens[c.parent]
					newCosts[r] = costs[c.parent]
					newFinished[r] = true
					newPrev[r] = e.cfg.EOSID
					if opts.ReturnAlignments {
						newAligns[r] = aligns[c.parent]
					}
					continue
				}
				seq := make([]int32, len(tokens[c.parent])+1)
				copy(seq, tokens[c.parent])
				seq[len(seq)-1] = c.token
				newTokens[r] = seq
				newCosts[r] = c.cost
				newFinished[r] = c.token == e.cfg.EOSID
				newPrev[r] = c.token
				if opts.ReturnAlignments {
					newAligns[r] = extendAlignments(aligns[c.parent], stepAligns, c.parent)
				}
			}
		}

		// States are opaque: reorder each scorer's state slice so every
		// state follows its surviving row, nothing more.
		for i := range states {
			reordered := make([]State, rows)
			for r, p := range parents {
				reordered[r] = states[i][p]
			}
			states[i] = reordered
		}

		tokens, costs, finished, prev = newTokens, newCosts, newFinished, newPrev
		if opts.ReturnAlignments {
			aligns = newAligns
		}
	}

	return e.finalize(n, tokens, costs, finished, aligns, opts), nil
}

// collectCandidates gathers the beamSize lowest-cost candidates for one
// sentence: every (active row, token) expansion plus every finished row
// carried in place. Rows still holding an infinite seed cost are skipped.
func (e *Engine) collectCandidates(s int, costs []float32, finished []bool, combined [][]float32) []candidate {
	k := e.cfg.BeamSize
	best := make([]candidate, 0, k)
	base := s * k
	for slot := 0; slot < k; slot++ {
		r := base + slot
		cost := costs[r]
		if math.IsInf(float64(cost), 1) {
			continue
		}
		if finished[r] {
			best = insertCandidate(best, candidate{parent: r, cost: cost, carried: true}, k)
			continue
		}
		for t, lp := range combined[r] {
			best = insertCandidate(best, candidate{parent: r, token: int32(t), cost: cost - lp}, k)
		}
	}
	return best
}

// insertCandidate keeps best sorted ascending by cost with at most k
// entries, dropping the worst on overflow.
func insertCandidate(best []candidate, c candidate, k int) []candidate {
	if len(best) == k && c.cost >= best[k-1].cost {
		return best
	}
	pos := sort.Search(len(best), func(i int) bool { return best[i].cost > c.cost })
	if len(best) < k {
		best = append(best, candidate{})
	}
	copy(best[pos+1:], best[pos:])
	best[pos] = c
	return best
}

// extendAlignments appends this step's attention row per scorer to the
// parent's alignment history, copying so sibling rows stay independent.
func extendAlignments(parent [][][]float32, stepAligns [][][]float32, parentRow int) [][][]float32 {
	out := make([][][]float32, len(stepAligns))
	for i := range stepAligns {
		var history [][]float32
		if parent != nil {
			history = parent[i]
		}
		steps := make([][]float32, len(history), len(history)+1)
		copy(steps, history)
		if stepAligns[i] != nil {
			steps = append(steps, append([]float32(nil), stepAligns[i][parentRow]...))
		}
		out[i] = steps
	}
	return out
}

// finalize converts the row slots into per-sentence beams, applying length
// normalization to finished hypotheses only, and sorts ascending by cost.
func (e *Engine) finalize(n int, tokens [][]int32, costs []float32, finished []bool, aligns [][][][]float32, opts Options) []Beam {
	k := e.cfg.BeamSize
	beams := make([]Beam, n)
	for s := 0; s < n; s++ {
		beam := make(Beam, 0, k)
		for slot := 0; slot < k; slot++ {
			r := s*k + slot
			cost := costs[r]
			if opts.NormalizationAlpha > 0 && finished[r] && len(tokens[r]) > 0 {
				cost /= float32(math.Pow(float64(len(tokens[r])), float64(opts.NormalizationAlpha)))
			}
			h := Hypothesis{Tokens: tokens[r], Cost: cost, Finished: finished[r]}
			if aligns != nil {
				h.Alignments = aligns[r]
			}
			beam = append(beam, h)
		}
		sort.SliceStable(beam, func(a, b int) bool { return beam[a].Cost < beam[b].Cost })
		beams[s] = beam
	}
	return beams
}

func allFinished(finished []bool) bool {
	for _, f := range finished {
		if !f {
			return false
		}
	}
	return true
}
