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

package manager

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/SnellerInc/blobmanager/bmstore"
)

// TestRunWatchdog_DetectsReplacement checks that once a successor
// manager raises the persisted epoch, an armed watchdog check fails
// over this manager instead of silently continuing.
func TestRunWatchdog_DetectsReplacement(t *testing.T) {
	m, store := testManager(t)
	m.cfg.setDefaults()
	m.cfg.WatchdogDebounce = time.Millisecond

	err := (*store).Transact(context.Background(), func(ctx context.Context, tr bmstore.Txn) error {
		bmstore.SetEpoch(tr, 2)
		return nil
	})
	if err != nil {
		t.Fatalf("bumping epoch: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.runWatchdog(ctx)

	m.armWatchdog()

	select {
	case <-m.replaced:
	case <-time.After(time.Second):
		t.Fatal("expected the watchdog to observe the epoch bump and fail over")
	}
	if !errors.Is(m.replacedErr, bmstore.ErrManagerReplaced) {
		t.Fatalf("expected replacedErr to wrap ErrManagerReplaced, got %v", m.replacedErr)
	}
}
