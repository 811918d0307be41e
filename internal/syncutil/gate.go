// Copyright 2026 The Zaparoo Project Contributors.
// SPDX-License-Identifier: Apache-2.0
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

package syncutil

// Gate is an advisory, non-blocking lock that remembers its holder.
// Several controllers share one Gate per reader so that only one of them
// talks to the card at a time.
type Gate struct {
	holder string
	mu     Mutex
}

// TryAcquire takes the gate for owner. It succeeds when the gate is free or
// already held by owner.
func (g *Gate) TryAcquire(owner string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.holder != "" && g.holder != owner {
		return false
	}
	g.holder = owner
	return true
}

// Release frees the gate if owner holds it and reports whether it did.
func (g *Gate) Release(owner string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.holder != owner {
		return false
	}
	g.holder = ""
	return true
}

// Holder returns the current owner, or "" when the gate is free.
func (g *Gate) Holder() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.holder
}
