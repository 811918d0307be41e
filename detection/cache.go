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

package detection

import (
	"slices"
	"time"

	"github.com/ZaparooProject/go-cardwall/internal/syncutil"
	"github.com/ZaparooProject/go-cardwall/pn532"
)

type cacheEntry struct {
	stored  time.Time
	devices []DeviceInfo
}

// resultCache keeps the last result per transport. Slices are copied in and
// out.
type resultCache struct {
	entries map[pn532.TransportType]cacheEntry
	now     func() time.Time
	mu      syncutil.RWMutex
}

func newResultCache() *resultCache {
	return &resultCache{
		entries: make(map[pn532.TransportType]cacheEntry),
		now:     time.Now,
	}
}

func (c *resultCache) get(tt pn532.TransportType, ttl time.Duration) ([]DeviceInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[tt]
	if !ok || c.now().Sub(entry.stored) > ttl {
		return nil, false
	}
	return slices.Clone(entry.devices), true
}

func (c *resultCache) put(tt pn532.TransportType, devices []DeviceInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[tt] = cacheEntry{devices: slices.Clone(devices), stored: c.now()}
}

func (c *resultCache) drop(tt pn532.TransportType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, tt)
}

func (c *resultCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.entries)
}
