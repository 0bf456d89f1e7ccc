package models

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mghozyah/nematus/pkg/nematus/lib/batching"
	"github.com/mghozyah/nematus/pkg/nematus/lib/search"
)

// fixedScorer emits one constant log-probability row for every hypothesis.
type fixedScorer struct {
	row []float32
}

func (fs *fixedScorer) InitialStates(_ context.Context, batch *batching.Minibatch, beamWidth int) ([]search.State, error) {
	states := make([]search.State, batch.Size()*beamWidth)
	for i := range states {
		states[i] = struct{}{}
	}
	return states, nil
}

func (fs *fixedScorer) ScoreStep(_ context.Context, states []search.State, _ []int32) (*search.StepResult, error) {
	res := &search.StepResult{
		LogProbs: make([][]float32, len(states)),
		States:   states,
	}
	for r := range states {
		res.LogProbs[r] = fs.row
	}
	return res, nil
}

// brokenScorer fails on any use; it proves a scorer is never consulted.
type brokenScorer struct{}

func (brokenScorer) InitialStates(context.Context, *batching.Minibatch, int) ([]search.State, error) {
	return nil, errors.New("broken scorer must not be used")
}

func (brokenScorer) ScoreStep(context.Context, []search.State, []int32) (*search.StepResult, error) {
	return nil, errors.New("broken scorer must not be used")
}

func testBatch(n int) *batching.Minibatch {
	return &batching.Minibatch{Sentences: make([]batching.Sentence, n)}
}

// eosRow puts essentially all probability mass on the eos id 0.
func eosRow(vocab int) []float32 {
	row := make([]float32, vocab)
	for t := 1; t < vocab; t++ {
		row[t] = -50
	}
	return row
}

func newTestModelSet(t *testing.T, scorers ...search.Scorer) *ModelSet {
	t.Helper()
	ms, err := NewModelSet(scorers, Config{EOSID: 0, MaxTranslationLength: 10}, nil)
	require.NoError(t, err)
	return ms
}

func TestNewModelSetValidation(t *testing.T) {
	_, err := NewModelSet(nil, Config{MaxTranslationLength: 10}, nil)
	assert.Error(t, err)

	_, err = NewModelSet([]search.Scorer{&fixedScorer{row: eosRow(3)}}, Config{}, nil)
	assert.Error(t, err)
}

func TestBeamSearchPlanCache(t *testing.T) {
	ms := newTestModelSet(t, &fixedScorer{row: eosRow(3)})
	ctx := context.Background()

	_, err := ms.BeamSearch(ctx, testBatch(1), BeamSearchRequest{BeamSize: 2})
	require.NoError(t, err)
	plan := ms.beamPlan
	require.NotNil(t, plan)
	assert.Equal(t, 2, plan.beamSize)

	// Same beam size reuses the plan, even with different per-request knobs.
	_, err = ms.BeamSearch(ctx, testBatch(1), BeamSearchRequest{BeamSize: 2, NormalizationAlpha: 1})
	require.NoError(t, err)
	assert.Same(t, plan, ms.beamPlan)

	// A different beam size replaces the entry before use.
	_, err = ms.BeamSearch(ctx, testBatch(1), BeamSearchRequest{BeamSize: 3})
	require.NoError(t, err)
	assert.NotSame(t, plan, ms.beamPlan)
	assert.Equal(t, 3, ms.beamPlan.beamSize)
}

func TestBeamSearchRejectsInvalidBeamSize(t *testing.T) {
	ms := newTestModelSet(t, &fixedScorer{row: eosRow(3)})
	_, err := ms.BeamSearch(context.Background(), testBatch(1), BeamSearchRequest{BeamSize: 0})
	assert.Error(t, err)
}

func TestBeamSearchResultShape(t *testing.T) {
	ms := newTestModelSet(t, &fixedScorer{row: eosRow(4)})

	beams, err := ms.BeamSearch(context.Background(), testBatch(2), BeamSearchRequest{BeamSize: 3})
	require.NoError(t, err)
	require.Len(t, beams, 2)
	for _, beam := range beams {
		assert.Len(t, beam, 3)
		for i := 1; i < len(beam); i++ {
			assert.LessOrEqual(t, beam[i-1].Cost, beam[i].Cost)
		}
	}
}

func TestSampleUsesOnlyFirstScorer(t *testing.T) {
	// Sampling is single-scorer by design: a broken second scorer must
	// never be touched.
	ms := newTestModelSet(t, &fixedScorer{row: eosRow(3)}, brokenScorer{})

	seqs, err := ms.Sample(context.Background(), testBatch(2), SampleOptions{Seed: 42})
	require.NoError(t, err)
	require.Len(t, seqs, 2)
	for _, seq := range seqs {
		assert.Equal(t, []int32{0}, seq, "all mass on eos samples eos immediately")
	}
}

func TestSampleIgnoresSecondScorerIdentity(t *testing.T) {
	first := &fixedScorer{row: []float32{-1, -1, -1}}

	a := newTestModelSet(t, first, &fixedScorer{row: []float32{-3, -1, -9}})
	b := newTestModelSet(t, first, &fixedScorer{row: []float32{-9, -9, -1}})

	seqsA, err := a.Sample(context.Background(), testBatch(3), SampleOptions{Seed: 7})
	require.NoError(t, err)
	seqsB, err := b.Sample(context.Background(), testBatch(3), SampleOptions{Seed: 7})
	require.NoError(t, err)

	assert.Equal(t, seqsA, seqsB, "changing the second scorer must not alter sampling output")
}

func TestSampleDeterministicForSeed(t *testing.T) {
	ms := newTestModelSet(t, &fixedScorer{row: []float32{-1, -1, -1}})

	first, err := ms.Sample(context.Background(), testBatch(4), SampleOptions{Seed: 99})
	require.NoError(t, err)
	second, err := ms.Sample(context.Background(), testBatch(4), SampleOptions{Seed: 99})
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestSamplePlanBuiltOnce(t *testing.T) {
	ms := newTestModelSet(t, &fixedScorer{row: eosRow(3)})

	_, err := ms.Sample(context.Background(), testBatch(1), SampleOptions{})
	require.NoError(t, err)
	plan := ms.samplePlan
	require.NotNil(t, plan)

	_, err = ms.Sample(context.Background(), testBatch(1), SampleOptions{})
	require.NoError(t, err)
	assert.Same(t, plan, ms.samplePlan)
}

func TestSampleRespectsLengthCap(t *testing.T) {
	// No mass on eos: sequences stop exactly at the cap.
	ms := newTestModelSet(t, &fixedScorer{row: []float32{-50, -1, -1}})

	seqs, err := ms.Sample(context.Background(), testBatch(1), SampleOptions{Seed: 1, MaxLength: 4})
	require.NoError(t, err)
	assert.Len(t, seqs[0], 4)
}
