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

// Package batching reads raw source lines into maxibatches, sorts them by
// length, and slices them into padded minibatches for the scorers.
//
// Sorting by length keeps padding waste low; the permutation returned by
// Order lets the output stage restore the original input order exactly.
package batching

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/mghozyah/nematus/pkg/nematus/lib/vocab"
)

// DataFormatError reports malformed source input, e.g. a token whose factor
// count does not match the configured number of factors. It is not
// recoverable: translation of the whole run is aborted.
type DataFormatError struct {
	Line int // 1-based line number within the maxibatch
	Msg  string
}

func (e *DataFormatError) Error() string {
	return fmt.Sprintf("line %d: %s", e.Line, e.Msg)
}

// Sentence is an ordered sequence of source tokens mapped to vocabulary
// ids, one id per factor at each position. Immutable once parsed.
type Sentence struct {
	Raw string
	IDs [][]int32 // [position][factor]
}

// Len returns the sentence length in tokens.
func (s Sentence) Len() int { return len(s.IDs) }

// Maxibatch is an ordered read-ahead buffer of raw input lines.
type Maxibatch struct {
	Lines []string
}

// Len returns the number of buffered lines.
func (m *Maxibatch) Len() int { return len(m.Lines) }

// Minibatch is a contiguous slice of a length-sorted maxibatch, padded to a
// common length with a validity mask. All sentences in a minibatch advance
// through beam search in lockstep so each step is one batched scorer call.
type Minibatch struct {
	Sentences []Sentence
	TokenIDs  [][][]int32 // [sentence][position][factor], EOS-padded
	Mask      [][]float32 // [sentence][position]; 1 = valid (incl. terminal EOS slot), 0 = padding
	MaxLen    int         // longest sentence in the chunk + 1 terminal EOS slot
	Factors   int
}

// Size returns the number of sentences in the minibatch.
func (mb *Minibatch) Size() int { return len(mb.Sentences) }

// Batcher groups raw input lines into maxibatches and orders them for
// translation. One vocabulary per source factor is required; tokens are
// split on '|' and must carry exactly that many factors.
type Batcher struct {
	scanner       *bufio.Scanner
	vocabs        []*vocab.Vocab
	minibatchSize int
	maxibatchSize int
}

// NewBatcher creates a batcher reading UTF-8 lines from r, one sentence per
// line. minibatchSize and maxibatchSize must both be >= 1.
func NewBatcher(r io.Reader, sourceVocabs []*vocab.Vocab, minibatchSize, maxibatchSize int) *Batcher {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &Batcher{
		scanner:       scanner,
		vocabs:        sourceVocabs,
		minibatchSize: minibatchSize,
		maxibatchSize: maxibatchSize,
	}
}

// NextMaxibatch reads input lines until either end-of-input or
// maxibatchSize*minibatchSize lines have been accumulated. The second
// return value reports whether the input is exhausted; a full maxibatch is
// returned without waiting for end-of-input.
func (b *Batcher) NextMaxibatch() (*Maxibatch, bool, error) {
	capacity := b.maxibatchSize * b.minibatchSize
	lines := make([]string, 0, capacity)
	for len(lines) < capacity {
		if !b.scanner.Scan() {
			if err := b.scanner.Err(); err != nil {
				return nil, true, fmt.Errorf("reading source line: %w", err)
			}
			return &Maxibatch{Lines: lines}, true, nil
		}
		lines = append(lines, b.scanner.Text())
	}
	return &Maxibatch{Lines: lines}, false, nil
}

// Order parses the maxibatch, sorts it by sentence length ascending, and
// slices it into minibatches. The returned permutation idxs satisfies
// sorted[i] = original[idxs[i]]; its inverse restores input order.
func (b *Batcher) Order(m *Maxibatch) ([]*Minibatch, []int, error) {
	sentences := make([]Sentence, len(m.Lines))
	for i, line := range m.Lines {
		sent, err := b.parseLine(line, i+1)
		if err != nil {
			return nil, nil, err
		}
		sentences[i] = sent
	}

	idxs := make([]int, len(sentences))
	for i := range idxs {
		idxs[i] = i
	}
	sort.SliceStable(idxs, func(a, c int) bool {
		return sentences[idxs[a]].Len() < sentences[idxs[c]].Len()
	})

	sorted := make([]Sentence, len(sentences))
	for i, idx := range idxs {
		sorted[i] = sentences[idx]
	}

	minibatches := make([]*Minibatch, 0, (len(sorted)+b.minibatchSize-1)/b.minibatchSize)
	for start := 0; start < len(sorted); start += b.minibatchSize {
		end := start + b.minibatchSize
		if end > len(sorted) {
			end = len(sorted)
		}
		minibatches = append(minibatches, b.pack(sorted[start:end]))
	}

	return minibatches, idxs, nil
}

// parseLine tokenizes one source line and maps every factor through its
// vocabulary. Unknown tokens map to the vocabulary's unknown id.
func (b *Batcher) parseLine(line string, lineno int) (Sentence, error) {
	factors := len(b.vocabs)
	fields := strings.Fields(line)
	ids := make([][]int32, len(fields))
	for pos, field := range fields {
		parts := strings.Split(field, "|")
		if len(parts) != factors {
			return Sentence{}, &DataFormatError{
				Line: lineno,
				Msg:  fmt.Sprintf("expected %d factors, got %d (token %q)", factors, len(parts), field),
			}
		}
		ids[pos] = make([]int32, factors)
		for f, part := range parts {
			ids[pos][f] = b.vocabs[f].ID(part)
		}
	}
	return Sentence{Raw: line, IDs: ids}, nil
}

// pack pads a chunk of length-sorted sentences to a common length. One
// extra position is reserved for the terminal end-of-sequence marker, and
// the mask covers it.
func (b *Batcher) pack(chunk []Sentence) *Minibatch {
	factors := len(b.vocabs)
	maxLen := 0
	for _, s := range chunk {
		if s.Len() > maxLen {
			maxLen = s.Len()
		}
	}
	maxLen++

	tokenIDs := make([][][]int32, len(chunk))
	mask := make([][]float32, len(chunk))
	for i, s := range chunk {
		tokenIDs[i] = make([][]int32, maxLen)
		mask[i] = make([]float32, maxLen)
		for pos := 0; pos < maxLen; pos++ {
			tokenIDs[i][pos] = make([]int32, factors)
			for f := range tokenIDs[i][pos] {
				if pos < s.Len() {
					tokenIDs[i][pos][f] = s.IDs[pos][f]
				} else {
					tokenIDs[i][pos][f] = b.vocabs[f].EOSID()
				}
			}
			if pos <= s.Len() {
				mask[i][pos] = 1
			}
		}
	}

	sentences := make([]Sentence, len(chunk))
	copy(sentences, chunk)

	return &Minibatch{
		Sentences: sentences,
		TokenIDs:  tokenIDs,
		Mask:      mask,
		MaxLen:    maxLen,
		Factors:   factors,
	}
}
