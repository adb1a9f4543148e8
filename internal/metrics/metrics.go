// Copyright 2024 Google LLC
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

// Package metrics exposes OpenCensus-style counters and latency views for
// the filesystem core: VFS op counts, op error counts, and ghost
// materialization latency.
package metrics

import (
	"context"
	"fmt"
	"sync"

	"github.com/duskwatch/phantomfs/internal/logger"
	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"
)

// Tag keys used to annotate recorded measures.
const (
	FSOp          = "fs_op"
	FSErrCategory = "fs_error_category"
)

var (
	handle     *Handle
	initErr    error
	once       sync.Once
)

// Handle records the core's runtime measures. Obtain one with New and pass
// it down to the driver, blob store, and audit journal constructors.
type Handle struct {
	opsCount      *stats.Int64Measure
	opsErrorCount *stats.Int64Measure
	opsLatency    *stats.Float64Measure

	materializationCount   *stats.Int64Measure
	materializationLatency *stats.Float64Measure

	auditDropCount *stats.Int64Measure
}

// New registers the OpenCensus measures and views exactly once per process
// and returns the shared Handle.
func New() (*Handle, error) {
	once.Do(func() {
		handle, initErr = newHandle()
	})
	return handle, initErr
}

func newHandle() (*Handle, error) {
	opsCount := stats.Int64("fs/ops_count", "The number of VFS ops processed.", stats.UnitDimensionless)
	opsErrorCount := stats.Int64("fs/ops_error_count", "The number of VFS ops that returned an error.", stats.UnitDimensionless)
	opsLatency := stats.Float64("fs/ops_latency", "The latency of a VFS op.", "us")

	materializationCount := stats.Int64("blob/materialization_count", "The number of ghost files materialized.", stats.UnitDimensionless)
	materializationLatency := stats.Float64("blob/materialization_latency", "The latency of a ghost materialization, including any generator call.", "us")

	auditDropCount := stats.Int64("audit/drop_count", "The number of audit events dropped due to buffer overflow.", stats.UnitDimensionless)

	if err := view.Register(
		&view.View{
			Name:        "fs/ops_count",
			Measure:     opsCount,
			Description: "The cumulative number of VFS ops processed.",
			Aggregation: view.Sum(),
			TagKeys:     []tag.Key{tag.MustNewKey(FSOp)},
		},
		&view.View{
			Name:        "fs/ops_error_count",
			Measure:     opsErrorCount,
			Description: "The cumulative number of VFS ops that returned an error.",
			Aggregation: view.Sum(),
			TagKeys:     []tag.Key{tag.MustNewKey(FSOp), tag.MustNewKey(FSErrCategory)},
		},
		&view.View{
			Name:        "fs/ops_latency",
			Measure:     opsLatency,
			Description: "The distribution of VFS op latencies.",
			Aggregation: view.Distribution(0, 1000, 5000, 10000, 50000, 100000, 500000, 1000000),
			TagKeys:     []tag.Key{tag.MustNewKey(FSOp)},
		},
		&view.View{
			Name:        "blob/materialization_count",
			Measure:     materializationCount,
			Description: "The cumulative number of ghost files materialized.",
			Aggregation: view.Sum(),
		},
		&view.View{
			Name:        "blob/materialization_latency",
			Measure:     materializationLatency,
			Description: "The distribution of ghost materialization latencies.",
			Aggregation: view.Distribution(0, 1000, 5000, 10000, 50000, 100000, 500000, 1000000),
		},
		&view.View{
			Name:        "audit/drop_count",
			Measure:     auditDropCount,
			Description: "The cumulative number of audit events dropped on buffer overflow.",
			Aggregation: view.Sum(),
		},
	); err != nil {
		return nil, fmt.Errorf("registering metric views: %w", err)
	}

	return &Handle{
		opsCount:               opsCount,
		opsErrorCount:           opsErrorCount,
		opsLatency:              opsLatency,
		materializationCount:    materializationCount,
		materializationLatency:  materializationLatency,
		auditDropCount:          auditDropCount,
	}, nil
}

func (h *Handle) record(ctx context.Context, m *stats.Int64Measure, inc int64, op string, extra []tag.Mutator, what string) {
	mutators := append([]tag.Mutator{tag.Upsert(tag.MustNewKey(FSOp), op)}, extra...)
	if err := stats.RecordWithTags(ctx, mutators, m.M(inc)); err != nil {
		logger.Errorf("cannot record %s: %v", what, err)
	}
}

func (h *Handle) OpsCount(ctx context.Context, op string) {
	h.record(ctx, h.opsCount, 1, op, nil, "fs op count")
}

func (h *Handle) OpsErrorCount(ctx context.Context, op string, errCategory string) {
	mutators := []tag.Mutator{tag.Upsert(tag.MustNewKey(FSErrCategory), errCategory)}
	h.record(ctx, h.opsErrorCount, 1, op, mutators, "fs op error count")
}

func (h *Handle) OpsLatency(ctx context.Context, op string, microseconds float64) {
	mutators := []tag.Mutator{tag.Upsert(tag.MustNewKey(FSOp), op)}
	if err := stats.RecordWithTags(ctx, mutators, h.opsLatency.M(microseconds)); err != nil {
		logger.Errorf("cannot record fs op latency: %v", err)
	}
}

func (h *Handle) MaterializationCount(ctx context.Context) {
	if err := stats.RecordWithTags(ctx, nil, h.materializationCount.M(1)); err != nil {
		logger.Errorf("cannot record materialization count: %v", err)
	}
}

func (h *Handle) MaterializationLatency(ctx context.Context, microseconds float64) {
	if err := stats.RecordWithTags(ctx, nil, h.materializationLatency.M(microseconds)); err != nil {
		logger.Errorf("cannot record materialization latency: %v", err)
	}
}

func (h *Handle) AuditDropCount(ctx context.Context, n int64) {
	if err := stats.RecordWithTags(ctx, nil, h.auditDropCount.M(n)); err != nil {
		logger.Errorf("cannot record audit drop count: %v", err)
	}
}
