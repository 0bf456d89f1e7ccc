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

// Package translator drives the end-to-end file translation pipeline:
// batcher -> model set beam search -> output formatter, one maxibatch at a
// time, strictly in sequence.
package translator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/mghozyah/nematus/pkg/nematus/lib/batching"
	"github.com/mghozyah/nematus/pkg/nematus/lib/models"
	"github.com/mghozyah/nematus/pkg/nematus/lib/output"
	"github.com/mghozyah/nematus/pkg/nematus/lib/search"
	"github.com/mghozyah/nematus/pkg/nematus/lib/vocab"
)

var (
	sentencesTranslated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nematus_sentences_translated_total",
		Help: "Total number of source sentences translated.",
	})

	maxibatchesTranslated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nematus_maxibatches_translated_total",
		Help: "Total number of maxibatches processed.",
	})

	maxibatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "nematus_maxibatch_duration_seconds",
		Help:    "Time spent translating one maxibatch.",
		Buckets: prometheus.DefBuckets,
	})
)

// Options configures file translation.
type Options struct {
	// BeamSize is the beam width, >= 1.
	BeamSize int

	// NBest emits every beam hypothesis with its score instead of only
	// the best translation.
	NBest bool

	// MinibatchSize is the minibatch size in sentences, >= 1.
	MinibatchSize int

	// MaxibatchSize is the number of minibatches to read ahead and sort,
	// >= 1.
	MaxibatchSize int

	// NormalizationAlpha is the length normalization exponent, >= 0.
	// Note the file-translation default (1.0) deliberately differs from
	// the ModelSet API default (0.0); the two are configured
	// independently.
	NormalizationAlpha float32

	// ReturnAlignments logs per-scorer attention alignments.
	ReturnAlignments bool

	// MaxTranslationLength is the hard cap on translation length, > 0.
	MaxTranslationLength int
}

// DefaultOptions returns the file-translation defaults.
func DefaultOptions() Options {
	return Options{
		BeamSize:             12,
		MinibatchSize:        80,
		MaxibatchSize:        20,
		NormalizationAlpha:   1.0,
		MaxTranslationLength: 200,
	}
}

// Translator translates source files using a model set (or ensemble).
type Translator struct {
	modelSet     *models.ModelSet
	sourceVocabs []*vocab.Vocab
	targetVocab  *vocab.Vocab
	opts         Options
	logger       *zap.Logger
}

// New creates a translator. One source vocabulary per factor is required;
// a nil logger disables logging.
func New(modelSet *models.ModelSet, sourceVocabs []*vocab.Vocab, targetVocab *vocab.Vocab, opts Options, logger *zap.Logger) (*Translator, error) {
	if modelSet == nil {
		return nil, errors.New("translator: model set is required")
	}
	if len(sourceVocabs) == 0 {
		return nil, errors.New("translator: at least one source vocabulary is required")
	}
	if targetVocab == nil {
		return nil, errors.New("translator: target vocabulary is required")
	}
	if opts.BeamSize < 1 || opts.MinibatchSize < 1 || opts.MaxibatchSize < 1 {
		return nil, fmt.Errorf("translator: beam size, minibatch size and maxibatch size must be >= 1")
	}
	if opts.NormalizationAlpha < 0 {
		return nil, fmt.Errorf("translator: normalization alpha must be >= 0, got %g", opts.NormalizationAlpha)
	}
	if opts.MaxTranslationLength < 1 {
		return nil, fmt.Errorf("translator: max translation length must be >= 1, got %d", opts.MaxTranslationLength)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Translator{
		modelSet:     modelSet,
		sourceVocabs: sourceVocabs,
		targetVocab:  targetVocab,
		opts:         opts,
		logger:       logger,
	}, nil
}

// TranslateFile reads source sentences from in, one per line, and writes
// translations to out. Maxibatches are processed strictly in sequence; a
// full maxibatch is translated as soon as it fills, without waiting for
// end-of-input. A data format error aborts the run with no partial output
// for the maxibatch in flight.
func (t *Translator) TranslateFile(ctx context.Context, in io.Reader, out io.Writer) error {
	t.logger.Info("Translation length is capped",
		zap.Int("max_length", t.opts.MaxTranslationLength))

	batcher := batching.NewBatcher(in, t.sourceVocabs, t.opts.MinibatchSize, t.opts.MaxibatchSize)
	formatter := output.NewFormatter(out, t.targetVocab, t.opts.NBest)

	start := time.Now()
	numTranslated := 0
	for {
		maxibatch, done, err := batcher.NextMaxibatch()
		if err != nil {
			return fmt.Errorf("reading input: %w", err)
		}
		if maxibatch.Len() > 0 {
			numTranslated, err = t.translateMaxibatch(ctx, batcher, formatter, maxibatch, numTranslated)
			if err != nil {
				return err
			}
		}
		if done {
			break
		}
	}

	duration := time.Since(start)
	t.logger.Info("Translation finished",
		zap.Int("sentences", numTranslated),
		zap.Duration("duration", duration),
		zap.Float64("sentences_per_second", float64(numTranslated)/duration.Seconds()))
	return nil
}

// translateMaxibatch sorts and translates one maxibatch and writes its
// output in original input order. numPrevTranslated is the global count of
// sentences translated in prior maxibatches; the updated count is
// returned, threading the n-best numbering through the pipeline instead of
// keeping it in ambient state.
func (t *Translator) translateMaxibatch(ctx context.Context, batcher *batching.Batcher, formatter *output.Formatter, maxibatch *batching.Maxibatch, numPrevTranslated int) (int, error) {
	defer func(begin time.Time) {
		maxibatchDuration.Observe(time.Since(begin).Seconds())
	}(time.Now())

	minibatches, idxs, err := batcher.Order(maxibatch)
	if err != nil {
		return numPrevTranslated, fmt.Errorf("ordering maxibatch: %w", err)
	}

	beams := make([]search.Beam, 0, maxibatch.Len())
	for _, minibatch := range minibatches {
		got, err := t.modelSet.BeamSearch(ctx, minibatch, models.BeamSearchRequest{
			BeamSize:           t.opts.BeamSize,
			NormalizationAlpha: t.opts.NormalizationAlpha,
			ReturnAlignments:   t.opts.ReturnAlignments,
		})
		if err != nil {
			return numPrevTranslated, fmt.Errorf("beam search: %w", err)
		}
		beams = append(beams, got...)
		t.logger.Info("Translated sents",
			zap.Int("count", numPrevTranslated+len(beams)))
	}

	if t.opts.ReturnAlignments {
		t.logAlignments(beams)
	}

	numTranslated, err := formatter.WriteMaxibatch(beams, idxs, numPrevTranslated)
	if err != nil {
		return numPrevTranslated, fmt.Errorf("writing output: %w", err)
	}

	sentencesTranslated.Add(float64(numTranslated - numPrevTranslated))
	maxibatchesTranslated.Inc()
	return numTranslated, nil
}

// logAlignments reports the attention shape recorded for each sentence's
// best hypothesis, per scorer.
func (t *Translator) logAlignments(beams []search.Beam) {
	for i, beam := range beams {
		if len(beam) == 0 {
			continue
		}
		for j, steps := range beam.Best().Alignments {
			t.logger.Debug("Alignments",
				zap.Int("sentence", i),
				zap.Int("scorer", j),
				zap.Int("steps", len(steps)))
		}
	}
}
