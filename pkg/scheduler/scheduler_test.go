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

package scheduler

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tessera-ai/tessera/pkg/config"
	"github.com/tessera-ai/tessera/pkg/store"
)

func scheduleConfig() config.ScheduleConfig {
	cfg := config.ScheduleConfig{}
	cfg.SetDefaults()
	return cfg
}

func TestProcessOnce(t *testing.T) {
	t.Run("drains the processing set", func(t *testing.T) {
		f := newProcessorFixture(t)
		f.store.processing = []*store.Document{textDocument()}
		s := New(f.store, f.processor, scheduleConfig())

		s.processOnce(context.Background())

		require.Len(t, f.store.statuses["d1"], 1)
		assert.Equal(t, store.StatusProcessed, f.store.statuses["d1"][0].to)
	})

	t.Run("one failing document does not stop the pass", func(t *testing.T) {
		f := newProcessorFixture(t)
		f.extractor.err = errors.New("provider down")
		first := textDocument()
		second := textDocument()
		second.ID = "d2"
		f.store.processing = []*store.Document{first, second}
		s := New(f.store, f.processor, scheduleConfig())

		s.processOnce(context.Background())

		assert.Equal(t, store.StatusNotProcessed, f.store.statuses["d1"][0].to)
		assert.Equal(t, store.StatusNotProcessed, f.store.statuses["d2"][0].to)
	})

	t.Run("tick overlapping a running pass is skipped", func(t *testing.T) {
		f := newProcessorFixture(t)
		f.store.processing = []*store.Document{textDocument()}
		s := New(f.store, f.processor, scheduleConfig())

		s.processorBusy.Lock()
		s.processOnce(context.Background())
		s.processorBusy.Unlock()

		assert.Empty(t, f.store.statuses)
	})
}

func TestMarkOnce(t *testing.T) {
	f := newProcessorFixture(t)
	s := New(f.store, f.processor, scheduleConfig())

	s.markOnce(context.Background())
	assert.Equal(t, 1, f.store.claims)

	s.markerBusy.Lock()
	s.markOnce(context.Background())
	s.markerBusy.Unlock()
	assert.Equal(t, 1, f.store.claims, "overlapping tick is skipped")
}

func TestSchedulerStartStop(t *testing.T) {
	f := newProcessorFixture(t)
	s := New(f.store, f.processor, scheduleConfig())

	s.Start(context.Background())
	s.Stop()
}
