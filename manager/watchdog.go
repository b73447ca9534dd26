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
	"time"

	"github.com/SnellerInc/blobmanager/bmstore"
)

// runWatchdog is component J: it re-checks the manager's own lock
// whenever armWatchdog is called (e.g. after AssignmentEngine observes
// ErrGranuleAssignmentConflict), debounced so a burst of conflicts
// only causes one extra round-trip to the store.
func (m *Manager) runWatchdog(ctx context.Context) {
	for {
		select {
		case <-m.watchdogCh:
		case <-ctx.Done():
			return
		}

		select {
		case <-time.After(m.cfg.WatchdogDebounce):
		case <-ctx.Done():
			return
		}
		// drain anything that piled up during the debounce window.
		for {
			select {
			case <-m.watchdogCh:
				continue
			default:
			}
			break
		}

		err := m.store.Transact(ctx, func(ctx context.Context, tr bmstore.Txn) error {
			return bmstore.CheckManagerLock(ctx, tr, m.epoch)
		})
		if err != nil {
			if errors.Is(err, bmstore.ErrManagerReplaced) {
				m.failover(err)
				return
			}
			m.cfg.logf("self_lock_watchdog: %s", err)
		}
	}
}
