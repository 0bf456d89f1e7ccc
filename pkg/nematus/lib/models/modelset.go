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

// Package models wraps an ordered collection of scorers for inference.
//
// Beam search can use multiple scorers (an ensemble) but sampling is
// limited to a single scorer. The ModelSet owns two cached execution
// plans: one sampling plan built once per lifetime, and one beam-search
// plan keyed by beam size, rebuilt whenever a request's beam size differs
// from the cached one. Plans are replaced, never mutated in place.
package models

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"

	"go.uber.org/zap"

	"github.com/mghozyah/nematus/pkg/nematus/lib/batching"
	"github.com/mghozyah/nematus/pkg/nematus/lib/search"
)

// Config holds the scorer-set-wide inference parameters.
type Config struct {
	// EOSID is the target end-of-sequence id.
	EOSID int32

	// MaxTranslationLength is the hard cap on emitted sequence length.
	MaxTranslationLength int
}

// SampleOptions configures a Sample call.
type SampleOptions struct {
	// Seed fixes the random source; equal seeds on equal input yield
	// equal output.
	Seed int64

	// MaxLength overrides the model set's translation length cap when
	// positive.
	MaxLength int
}

// BeamSearchRequest configures a BeamSearch call. The zero value of
// NormalizationAlpha keeps the API-level default of no normalization; the
// file-translation entry point applies its own, separate default.
type BeamSearchRequest struct {
	BeamSize           int
	NormalizationAlpha float32
	ReturnAlignments   bool
}

// samplePlan is the cached single-scorer sampling plan.
type samplePlan struct {
	scorer search.Scorer
}

// beamPlan is the cached beam-search plan together with the beam size it
// was built for.
type beamPlan struct {
	beamSize int
	engine   *search.Engine
}

// ModelSet wraps an ordered, non-empty collection of scorers that are used
// jointly for inference. It is not safe for concurrent use; the pipeline
// is single-threaded by design.
type ModelSet struct {
	scorers []search.Scorer
	cfg     Config
	logger  *zap.Logger

	samplePlan *samplePlan
	beamPlan   *beamPlan
}

// NewModelSet creates a model set over the given scorers. A nil logger
// disables logging.
func NewModelSet(scorers []search.Scorer, cfg Config, logger *zap.Logger) (*ModelSet, error) {
	if len(scorers) == 0 {
		return nil, errors.New("models: at least one scorer is required")
	}
	if cfg.MaxTranslationLength < 1 {
		return nil, fmt.Errorf("models: max translation length must be >= 1, got %d", cfg.MaxTranslationLength)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ModelSet{scorers: scorers, cfg: cfg, logger: logger}, nil
}

// BeamSearch translates a minibatch using all configured scorers. If the
// cached plan is absent or was built for a different beam size, it is
// rebuilt for the requested beam size and scorer set before use. Returns
// one beam per sentence, sorted ascending by (normalized) cost.
func (ms *ModelSet) BeamSearch(ctx context.Context, batch *batching.Minibatch, req BeamSearchRequest) ([]search.Beam, error) {
	if req.BeamSize < 1 {
		return nil, fmt.Errorf("models: beam size must be >= 1, got %d", req.BeamSize)
	}

	if ms.beamPlan == nil || ms.beamPlan.beamSize != req.BeamSize {
		engine, err := search.NewEngine(ms.scorers, search.Config{
			BeamSize:  req.BeamSize,
			EOSID:     ms.cfg.EOSID,
			MaxLength: ms.cfg.MaxTranslationLength,
		})
		if err != nil {
			return nil, fmt.Errorf("models: building beam search plan: %w", err)
		}
		ms.logger.Debug("Built beam search plan",
			zap.Int("beam_size", req.BeamSize),
			zap.Int("scorers", len(ms.scorers)))
		ms.beamPlan = &beamPlan{beamSize: req.BeamSize, engine: engine}
	}

	return ms.beamPlan.engine.Search(ctx, batch, search.Options{
		NormalizationAlpha: req.NormalizationAlpha,
		ReturnAlignments:   req.ReturnAlignments,
	})
}

// Sample draws one sequence per input sentence. Sampling is not
// implemented for ensembles, so only the first scorer is consulted even
// when more are configured. The sampling plan is built lazily once per
// ModelSet lifetime.
func (ms *ModelSet) Sample(ctx context.Context, batch *batching.Minibatch, opts SampleOptions) ([][]int32, error) {
	if ms.samplePlan == nil {
		ms.logger.Debug("Built sampling plan")
		ms.samplePlan = &samplePlan{scorer: ms.scorers[0]}
	}

	n := batch.Size()
	if n == 0 {
		return nil, nil
	}

	maxLen := ms.cfg.MaxTranslationLength
	if opts.MaxLength > 0 {
		maxLen = opts.MaxLength
	}

	states, err := ms.samplePlan.scorer.InitialStates(ctx, batch, 1)
	if err != nil {
		return nil, fmt.Errorf("sampling: initial states: %w", err)
	}
	if len(states) != n {
		return nil, fmt.Errorf("sampling: got %d initial states, want %d", len(states), n)
	}

	rng := rand.New(rand.NewSource(opts.Seed))
	seqs := make([][]int32, n)
	finished := make([]bool, n)
	prev := make([]int32, n)
	for i := range prev {
		prev[i] = search.StartToken
	}

	for step := 0; step < maxLen && !allTrue(finished); step++ {
		res, err := ms.samplePlan.scorer.ScoreStep(ctx, states, prev)
		if err != nil {
			return nil, fmt.Errorf("sampling: step %d: %w", step, err)
		}
		states = res.States
		for i := 0; i < n; i++ {
			if finished[i] {
				continue
			}
			tok := sampleToken(rng, res.LogProbs[i])
			seqs[i] = append(seqs[i], tok)
			prev[i] = tok
			if tok == ms.cfg.EOSID {
				finished[i] = true
			}
		}
	}

	return seqs, nil
}

// sampleToken draws a token from the distribution exp(logProbs). The mass
// is renormalized in float64 so slightly unnormalized scorer output still
// samples correctly.
func sampleToken(rng *rand.Rand, logProbs []float32) int32 {
	probs := make([]float64, len(logProbs))
	var total float64
	for t, lp := range logProbs {
		p := math.Exp(float64(lp))
		probs[t] = p
		total += p
	}
	x := rng.Float64() * total
	for t, p := range probs {
		x -= p
		if x <= 0 {
			return int32(t)
		}
	}
	return int32(len(logProbs) - 1)
}

func allTrue(bs []bool) bool {
	for _, b := range bs {
		if !b {
			return false
		}
	}
	return true
}
