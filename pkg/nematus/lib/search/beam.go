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

// Hypothesis is one candidate translation: the emitted target ids, an
// accumulated negative-log-likelihood cost (lower is better), and whether
// the hypothesis emitted the end-of-sequence id. Hypotheses frozen at the
// length cap stay unfinished.
type Hypothesis struct {
	Tokens   []int32
	Cost     float32
	Finished bool

	// Alignments holds the attention rows of the surviving path when
	// requested, [scorer][step][source position].
	Alignments [][][]float32
}

// Beam is the ranked hypothesis collection for one sentence. After search
// it holds exactly the configured beam width entries, sorted ascending by
// (normalized) cost, best first.
type Beam []Hypothesis

// Best returns the lowest-cost hypothesis.
func (b Beam) Best() Hypothesis { return b[0] }
