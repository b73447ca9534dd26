// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package manager implements the blob manager: the per-epoch
// controller that owns range assignment, splitting, recruitment,
// recovery and retention GC over a key space partitioned into
// granules.
package manager

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/SnellerInc/blobmanager/rangemap"
)

const (
	// DefaultSnapshotTargetBytes is the default chunk size the range
	// splitter aims for when breaking a newly-activated range into
	// granules.
	DefaultSnapshotTargetBytes = 100 << 20
	// MaxSplitFanout bounds how many children a single split_range
	// call may produce in one pass; excess boundaries are downsampled
	// by recursive median selection (spec.md §4.E step 4).
	MaxSplitFanout = 10
	// DefaultBlobWorkerTimeout is the liveness probe deadline for a
	// blob worker.
	DefaultBlobWorkerTimeout = 5 * time.Second
	// DefaultStorageRecruitmentDelay is the backoff between
	// recruitment retries after a transient recruitment failure.
	DefaultStorageRecruitmentDelay = 2 * time.Second
	// DefaultBGPruneTimeout is the longest RetentionGC waits on
	// PruneChangeKey (or sleeps, if the watch cannot be set up) before
	// re-reading the prune intents.
	DefaultBGPruneTimeout = time.Minute
	// DefaultWatchdogDebounce is the minimum interval between two
	// SelfLockWatchdog checks.
	DefaultWatchdogDebounce = 500 * time.Millisecond
	// boundaryChunkSize is the number of split boundaries persisted
	// per transaction (spec.md §4.E step 4).
	boundaryChunkSize = 1000
)

// Config carries every tunable knob and injected dependency the
// manager needs. It follows the same shape as the garbage collector
// and sync configuration structs this module descends from: an
// optional Logf callback for diagnostics, no package-level state.
type Config struct {
	// Normal is the user key space [Begin, End) this manager
	// partitions into granules.
	Normal rangemap.KeyRange

	SnapshotTargetBytes int64
	BlobWorkerTimeout   time.Duration
	RecruitmentDelay    time.Duration
	BGPruneTimeout      time.Duration
	WatchdogDebounce    time.Duration

	// DC restricts recovery's worker-list check to workers in this
	// datacenter; empty disables the check.
	DC string

	// Logf, if non-nil, is a callback used for diagnostic logging.
	Logf func(f string, args ...interface{})

	// Now returns the current time; defaults to time.Now. Overridable
	// for deterministic tests.
	Now func() time.Time

	// Rand seeds worker-selection tie-breaking. Defaults to a
	// time-seeded source.
	Rand *rand.Rand
}

func (c *Config) logf(f string, args ...interface{}) {
	// let `go vet` know this is printf-like
	if false {
		_ = fmt.Sprintf(f, args...)
	}
	if c.Logf != nil {
		c.Logf(f, args...)
	}
}

func (c *Config) setDefaults() {
	if c.SnapshotTargetBytes <= 0 {
		c.SnapshotTargetBytes = DefaultSnapshotTargetBytes
	}
	if c.BlobWorkerTimeout <= 0 {
		c.BlobWorkerTimeout = DefaultBlobWorkerTimeout
	}
	if c.RecruitmentDelay <= 0 {
		c.RecruitmentDelay = DefaultStorageRecruitmentDelay
	}
	if c.BGPruneTimeout <= 0 {
		c.BGPruneTimeout = DefaultBGPruneTimeout
	}
	if c.WatchdogDebounce <= 0 {
		c.WatchdogDebounce = DefaultWatchdogDebounce
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Rand == nil {
		c.Rand = rand.New(rand.NewSource(c.Now().UnixNano()))
	}
}
