package translator

import (
	"bytes"
	"context"
	"errors"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mghozyah/nematus/pkg/nematus/lib/batching"
	"github.com/mghozyah/nematus/pkg/nematus/lib/models"
	"github.com/mghozyah/nematus/pkg/nematus/lib/scorers"
	"github.com/mghozyah/nematus/pkg/nematus/lib/search"
	"github.com/mghozyah/nematus/pkg/nematus/lib/vocab"
)

// With the echo backend and a shared source/target vocabulary, a 1-best
// translation reproduces the input text, which lets these tests assert on
// exact end-to-end output.
func sharedVocab() *vocab.Vocab {
	return vocab.New(map[string]int32{
		"</s>": 0, "<unk>": 1, "a": 2, "b": 3, "c": 4, "d": 5,
	})
}

func newEchoTranslator(t *testing.T, opts Options, numScorers int) *Translator {
	t.Helper()

	v := sharedVocab()
	ss := make([]search.Scorer, numScorers)
	for i := range ss {
		scorer, err := scorers.NewEchoScorer(v.Size(), v.EOSID())
		require.NoError(t, err)
		ss[i] = scorer
	}

	ms, err := models.NewModelSet(ss, models.Config{
		EOSID:                v.EOSID(),
		MaxTranslationLength: opts.MaxTranslationLength,
	}, nil)
	require.NoError(t, err)

	tr, err := New(ms, []*vocab.Vocab{v}, v, opts, nil)
	require.NoError(t, err)
	return tr
}

func TestTranslateFilePreservesOrder(t *testing.T) {
	opts := DefaultOptions()
	opts.BeamSize = 1
	opts.MinibatchSize = 2
	opts.MaxibatchSize = 1
	tr := newEchoTranslator(t, opts, 1)

	// Length sorting reorders these within the maxibatch; the output must
	// still come back in input order.
	var out bytes.Buffer
	err := tr.TranslateFile(context.Background(), strings.NewReader("a b c\na\n"), &out)
	require.NoError(t, err)

	assert.Equal(t, "a b c\na\n", out.String())
}

func TestTranslateFileMultipleMaxibatches(t *testing.T) {
	opts := DefaultOptions()
	opts.BeamSize = 1
	opts.MinibatchSize = 2
	opts.MaxibatchSize = 2
	tr := newEchoTranslator(t, opts, 1)

	// 7 lines over maxibatches of capacity 4: 4 + 3.
	input := "a\nb c\nc\nd a b\nb\na c\nd\n"
	var out bytes.Buffer
	err := tr.TranslateFile(context.Background(), strings.NewReader(input), &out)
	require.NoError(t, err)

	assert.Equal(t, input, out.String())
}

func TestTranslateFileExactMaxibatchBoundary(t *testing.T) {
	opts := DefaultOptions()
	opts.BeamSize = 1
	opts.MinibatchSize = 1
	opts.MaxibatchSize = 2
	tr := newEchoTranslator(t, opts, 1)

	var out bytes.Buffer
	err := tr.TranslateFile(context.Background(), strings.NewReader("a\nb\n"), &out)
	require.NoError(t, err)

	assert.Equal(t, "a\nb\n", out.String())
}

func TestTranslateFileNBest(t *testing.T) {
	opts := DefaultOptions()
	opts.BeamSize = 3
	opts.NBest = true
	opts.MinibatchSize = 1
	opts.MaxibatchSize = 1
	tr := newEchoTranslator(t, opts, 1)

	var out bytes.Buffer
	err := tr.TranslateFile(context.Background(), strings.NewReader("a b\n"), &out)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSuffix(out.String(), "\n"), "\n")
	require.Len(t, lines, 3, "n-best emits one line per hypothesis")

	prev := float64(0)
	for _, line := range lines {
		fields := strings.Split(line, " ||| ")
		require.Len(t, fields, 3)
		assert.Equal(t, "0", fields[0], "all hypotheses belong to sentence 0")

		cost, err := strconv.ParseFloat(fields[2], 64)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, cost, prev, "n-best costs must be non-decreasing")
		prev = cost
	}
	assert.Equal(t, "a b", strings.Split(lines[0], " ||| ")[1])
}

func TestTranslateFileNBestGlobalIndex(t *testing.T) {
	opts := DefaultOptions()
	opts.BeamSize = 1
	opts.NBest = true
	opts.MinibatchSize = 1
	opts.MaxibatchSize = 1
	tr := newEchoTranslator(t, opts, 1)

	// One sentence per maxibatch: the n-best index must keep counting
	// across maxibatch boundaries.
	var out bytes.Buffer
	err := tr.TranslateFile(context.Background(), strings.NewReader("a\nb\n"), &out)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSuffix(out.String(), "\n"), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "0 ||| "))
	assert.True(t, strings.HasPrefix(lines[1], "1 ||| "))
}

func TestTranslateFileDataFormatErrorAborts(t *testing.T) {
	opts := DefaultOptions()
	opts.BeamSize = 1
	opts.MinibatchSize = 1
	opts.MaxibatchSize = 1
	tr := newEchoTranslator(t, opts, 1)

	// One source vocabulary means one factor; "a|x" has two.
	var out bytes.Buffer
	err := tr.TranslateFile(context.Background(), strings.NewReader("a|x b\n"), &out)
	require.Error(t, err)

	var dfe *batching.DataFormatError
	assert.True(t, errors.As(err, &dfe), "error chain must expose the data format error")
	assert.Empty(t, out.String(), "no partial output for the failed maxibatch")
}

func TestTranslateFileEnsembleMatchesSingle(t *testing.T) {
	opts := DefaultOptions()
	opts.BeamSize = 1
	opts.MinibatchSize = 2
	opts.MaxibatchSize = 1

	single := newEchoTranslator(t, opts, 1)
	ensemble := newEchoTranslator(t, opts, 2)

	input := "a b\nc d a\n"
	var outSingle, outEnsemble bytes.Buffer
	require.NoError(t, single.TranslateFile(context.Background(), strings.NewReader(input), &outSingle))
	require.NoError(t, ensemble.TranslateFile(context.Background(), strings.NewReader(input), &outEnsemble))

	// Two identical scorers double every score but never change the
	// ranking, so the 1-best output is identical.
	assert.Equal(t, outSingle.String(), outEnsemble.String())
}

func TestTranslateFileEmptyInput(t *testing.T) {
	opts := DefaultOptions()
	opts.BeamSize = 1
	opts.MinibatchSize = 1
	opts.MaxibatchSize = 1
	tr := newEchoTranslator(t, opts, 1)

	var out bytes.Buffer
	err := tr.TranslateFile(context.Background(), strings.NewReader(""), &out)
	require.NoError(t, err)
	assert.Empty(t, out.String())
}

func TestNewValidation(t *testing.T) {
	v := sharedVocab()
	scorer, err := scorers.NewEchoScorer(v.Size(), v.EOSID())
	require.NoError(t, err)
	ms, err := models.NewModelSet([]search.Scorer{scorer}, models.Config{
		EOSID:                v.EOSID(),
		MaxTranslationLength: 10,
	}, nil)
	require.NoError(t, err)

	_, err = New(nil, []*vocab.Vocab{v}, v, DefaultOptions(), nil)
	assert.Error(t, err)

	_, err = New(ms, nil, v, DefaultOptions(), nil)
	assert.Error(t, err)

	_, err = New(ms, []*vocab.Vocab{v}, nil, DefaultOptions(), nil)
	assert.Error(t, err)

	bad := DefaultOptions()
	bad.BeamSize = 0
	_, err = New(ms, []*vocab.Vocab{v}, v, bad, nil)
	assert.Error(t, err)
}
