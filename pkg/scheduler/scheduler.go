// Copyright 2025 Tessera Authors
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

// Package scheduler drives document ingestion. A marker job leases pending
// documents into PROCESSING under this instance's id; a processor job runs
// the ingestion pipeline over the documents this instance holds. Multiple
// scheduler instances can run side by side because the lease is taken at
// the database level and each processor only sees its own claims.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tessera-ai/tessera/pkg/config"
	"github.com/tessera-ai/tessera/pkg/logger"
	"github.com/tessera-ai/tessera/pkg/usage"
)

// Scheduler owns the marker and processor tickers.
type Scheduler struct {
	id        string
	store     docStore
	processor *Processor
	cfg       config.ScheduleConfig

	markerBusy    sync.Mutex
	processorBusy sync.Mutex

	wg   sync.WaitGroup
	stop context.CancelFunc
}

// New builds a scheduler around a processor. Each scheduler gets a unique
// instance id that scopes its document leases.
func New(st docStore, processor *Processor, cfg config.ScheduleConfig) *Scheduler {
	return &Scheduler{id: uuid.NewString(), store: st, processor: processor, cfg: cfg}
}

// Start launches the marker and processor loops. They stop when Stop is
// called or the context is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.stop = context.WithCancel(ctx)

	s.wg.Add(2)
	go s.loop(ctx, time.Duration(s.cfg.Marking)*time.Second, s.markOnce)
	go s.loop(ctx, time.Duration(s.cfg.Processing)*time.Second, s.processOnce)

	logger.GetLogger().Info("ingestion scheduler started",
		"marking_interval", s.cfg.Marking,
		"processing_interval", s.cfg.Processing,
		"batch_size", s.cfg.BatchSize)
}

// Stop cancels the loops and waits for in-flight work to finish.
func (s *Scheduler) Stop() {
	if s.stop != nil {
		s.stop()
	}
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, interval time.Duration, job func(context.Context)) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			job(ctx)
		}
	}
}

// markOnce leases a batch of pending documents. A tick that fires while the
// previous one still runs is skipped.
func (s *Scheduler) markOnce(ctx context.Context) {
	if !s.markerBusy.TryLock() {
		return
	}
	defer s.markerBusy.Unlock()

	docs, err := s.store.ClaimNotProcessed(ctx, s.id, s.cfg.BatchSize, s.cfg.LeaseExpiry())
	if err != nil {
		logger.GetLogger().Error("failed to claim pending documents", "error", err)
		return
	}
	if len(docs) > 0 {
		logger.GetLogger().Debug("claimed documents for processing", "count", len(docs))
	}
}

// processOnce drains the documents this instance has claimed. Failures
// revert individual documents; the pass continues with the rest.
func (s *Scheduler) processOnce(ctx context.Context) {
	if !s.processorBusy.TryLock() {
		return
	}
	defer s.processorBusy.Unlock()

	docs, err := s.store.ListClaimed(ctx, s.id, s.cfg.BatchSize)
	if err != nil {
		logger.GetLogger().Error("failed to list claimed documents", "error", err)
		return
	}

	for _, doc := range docs {
		if ctx.Err() != nil {
			return
		}
		tracker := usage.NewTracker()
		if err := s.processor.Process(ctx, doc, tracker); err != nil {
			continue
		}
		summary := tracker.Summarize()
		logger.GetLogger().Debug("ingestion token usage",
			"document_id", doc.ID,
			"llm_calls", summary.TotalCalls,
			"input_tokens", summary.TotalInputTokens,
			"output_tokens", summary.TotalOutputTokens)
	}
}
