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

// Package output restores translated beams to original input order and
// writes them as 1-best or n-best text lines.
package output

import (
	"fmt"
	"io"

	"github.com/mghozyah/nematus/pkg/nematus/lib/search"
	"github.com/mghozyah/nematus/pkg/nematus/lib/vocab"
)

// Formatter writes beams directly to an output stream. No buffering is
// done beyond one maxibatch at a time.
type Formatter struct {
	w      io.Writer
	target *vocab.Vocab
	nbest  bool
}

// NewFormatter creates a formatter. In n-best mode every hypothesis of a
// beam is emitted as "<global-index> ||| <surface text> ||| <cost>";
// otherwise only the best hypothesis is written, one line per sentence.
func NewFormatter(w io.Writer, target *vocab.Vocab, nbest bool) *Formatter {
	return &Formatter{w: w, target: target, nbest: nbest}
}

// WriteMaxibatch restores the beams to original input order via the
// inverse of idxs (the sort permutation from the batcher, with
// sorted[i] = original[idxs[i]]) and writes them. The inverse permutation
// is applied before global n-best indices are assigned, so index i always
// names input sentence numPrevTranslated+i. Returns the updated global
// translated-sentence count.
func (f *Formatter) WriteMaxibatch(beams []search.Beam, idxs []int, numPrevTranslated int) (int, error) {
	if len(beams) != len(idxs) {
		return numPrevTranslated, fmt.Errorf("output: %d beams for %d permutation entries", len(beams), len(idxs))
	}

	inverse := make([]int, len(idxs))
	for i, idx := range idxs {
		inverse[idx] = i
	}

	for orig := 0; orig < len(beams); orig++ {
		beam := beams[inverse[orig]]
		if len(beam) == 0 {
			return numPrevTranslated, fmt.Errorf("output: empty beam for sentence %d", numPrevTranslated+orig)
		}
		if f.nbest {
			num := numPrevTranslated + orig
			for _, hyp := range beam {
				line := fmt.Sprintf("%d ||| %s ||| %g\n", num, f.target.Words(hyp.Tokens), hyp.Cost)
				if _, err := io.WriteString(f.w, line); err != nil {
					return numPrevTranslated, fmt.Errorf("output: writing n-best line: %w", err)
				}
			}
		} else {
			if _, err := fmt.Fprintln(f.w, f.target.Words(beam.Best().Tokens)); err != nil {
				return numPrevTranslated, fmt.Errorf("output: writing translation: %w", err)
			}
		}
	}

	return numPrevTranslated + len(beams), nil
}
