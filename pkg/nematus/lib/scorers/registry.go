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

// Package scorers provides the named registry through which scorer
// backends plug into the pipeline, plus a deterministic reference backend
// for smoke runs and tests. Neural backends live outside this repository
// and register themselves the same way.
package scorers

import (
	"fmt"
	"sort"
	"sync"

	"github.com/mghozyah/nematus/pkg/nematus/lib/search"
)

// Factory builds a scorer backend. modelPath points at the backend's model
// artifact; backends that need none (like echo) ignore it. vocabSize and
// eosID describe the target vocabulary the scorer must emit over.
type Factory func(modelPath string, vocabSize int, eosID int32) (search.Scorer, error)

var (
	mu       sync.RWMutex
	backends = map[string]Factory{}
)

// Register makes a scorer backend available under a name. Registering a
// duplicate name panics; backends register from init.
func Register(name string, factory Factory) {
	mu.Lock()
	defer mu.Unlock()
	if _, dup := backends[name]; dup {
		panic(fmt.Sprintf("scorers: backend %q registered twice", name))
	}
	backends[name] = factory
}

// New builds a scorer using the named backend.
func New(name, modelPath string, vocabSize int, eosID int32) (search.Scorer, error) {
	mu.RLock()
	factory, ok := backends[name]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("scorers: unknown backend %q (available: %v)", name, Names())
	}
	return factory(modelPath, vocabSize, eosID)
}

// Names lists the registered backend names, sorted.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
