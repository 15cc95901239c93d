/*
 * Copyright 2025 SREDiag Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package ipc

import (
	"fmt"

	"github.com/heptiolabs/healthcheck"

	"github.com/srediag/syslink-ipc/pkg/status"
)

// MaxGoroutines fails liveness when the process runs away with goroutines.
const MaxGoroutines = 10000

// HealthHandler serves /live and /ready for the processor. It is live once
// set up and ready while every attached peer still has its side of the
// link initialized.
func (p *Processor) HealthHandler() healthcheck.Handler {
	h := healthcheck.NewHandler()
	h.AddLivenessCheck("goroutines", healthcheck.GoroutineCountCheck(MaxGoroutines))
	h.AddLivenessCheck("setup", p.checkSetup)
	h.AddReadinessCheck("region-heap", p.checkRegionHeap)
	h.AddReadinessCheck("links", p.checkLinks)
	return h
}

func (p *Processor) checkSetup() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.setup {
		return fmt.Errorf("%s: %w", p, status.ErrNotInitialized)
	}
	return nil
}

func (p *Processor) checkRegionHeap() error {
	if p.table.Heap(0) == nil {
		return fmt.Errorf("%s: region 0 has no heap: %w", p, status.ErrNotInitialized)
	}
	return nil
}

func (p *Processor) checkLinks() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for r, l := range p.links {
		if !l.driver.RemoteAttached() {
			return fmt.Errorf("%s: processor %d detached: %w", p, r, status.ErrNotInitialized)
		}
	}
	return nil
}
