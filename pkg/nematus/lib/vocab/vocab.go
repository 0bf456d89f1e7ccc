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

// Package vocab loads Nematus-style JSON dictionaries and provides the
// token<->id mappings consumed by the batching and output stages.
//
// A dictionary file is a single JSON object mapping surface tokens to
// integer ids. By convention id 0 is the end-of-sequence marker and id 1 is
// the unknown-token placeholder; dictionaries that carry explicit "</s>" or
// "<unk>" entries override those defaults.
package vocab

import (
	"encoding/json"
	"fmt"
	"os"
)

// Default special ids used when the dictionary does not name them.
const (
	DefaultEOSID int32 = 0
	DefaultUnkID int32 = 1
)

// UnknownToken is the surface form reported for ids absent from the
// reverse mapping.
const UnknownToken = "UNK"

// Vocab is an immutable bidirectional token<->id mapping.
type Vocab struct {
	tokenToID map[string]int32
	idToToken map[int32]string
	eosID     int32
	unkID     int32
	size      int
}

// New builds a vocabulary from explicit entries. The reverse mapping keeps
// the first token seen for an id when several tokens share one.
func New(entries map[string]int32) *Vocab {
	v := &Vocab{
		tokenToID: make(map[string]int32, len(entries)),
		idToToken: make(map[int32]string, len(entries)),
		eosID:     DefaultEOSID,
		unkID:     DefaultUnkID,
	}
	maxID := int32(-1)
	for tok, id := range entries {
		v.tokenToID[tok] = id
		if _, ok := v.idToToken[id]; !ok {
			v.idToToken[id] = tok
		}
		if id > maxID {
			maxID = id
		}
	}
	if id, ok := entries["</s>"]; ok {
		v.eosID = id
	}
	if id, ok := entries["<unk>"]; ok {
		v.unkID = id
	}
	if v.eosID > maxID {
		maxID = v.eosID
	}
	if v.unkID > maxID {
		maxID = v.unkID
	}
	v.size = int(maxID) + 1
	return v
}

// Load reads a JSON dictionary file (token -> id).
func Load(path string) (*Vocab, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading vocabulary: %w", err)
	}

	var entries map[string]int32
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parsing vocabulary %s: %w", path, err)
	}

	return New(entries), nil
}

// ID returns the id for a token, falling back to the unknown id.
func (v *Vocab) ID(token string) int32 {
	if id, ok := v.tokenToID[token]; ok {
		return id
	}
	return v.unkID
}

// Token returns the surface form for an id, or UnknownToken when the id is
// not part of the vocabulary.
func (v *Vocab) Token(id int32) string {
	if tok, ok := v.idToToken[id]; ok {
		return tok
	}
	return UnknownToken
}

// EOSID returns the end-of-sequence id.
func (v *Vocab) EOSID() int32 { return v.eosID }

// UnkID returns the unknown-token id.
func (v *Vocab) UnkID() int32 { return v.unkID }

// Size returns the number of ids the vocabulary spans (max id + 1).
func (v *Vocab) Size() int { return v.size }

// Words maps a target id sequence back to a space-joined surface string,
// stopping at the first end-of-sequence id.
func (v *Vocab) Words(ids []int32) string {
	out := ""
	for i, id := range ids {
		if id == v.eosID {
			break
		}
		if i > 0 {
			out += " "
		}
		out += v.Token(id)
	}
	return out
}
