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
	"github.com/SnellerInc/blobmanager/bwrpc"
	"github.com/SnellerInc/blobmanager/id"
)

// minStandbyWorkers is the fleet size below which the Recruiter
// recruits: each recruitment signal recruits a worker only while fewer
// than this many are registered, and is a no-op otherwise. Real
// deployments would derive the fleet size from the current key space
// size and SnapshotTargetBytes; this repository leaves that policy
// external (spec.md §4.G).
const minStandbyWorkers = 1

// runRecruiter is component G: it recruits new blob workers on demand,
// either because the fleet is empty or because AssignmentEngine
// signaled it needs one via triggerRecruitment.
func (m *Manager) runRecruiter(ctx context.Context) {
	m.recruitCh <- struct{}{} // ensure the fleet is seeded on startup
	for {
		select {
		case <-m.recruitCh:
			m.recruitOne(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) recruitOne(ctx context.Context) {
	m.mu.Lock()
	if len(m.workers) >= minStandbyWorkers {
		m.mu.Unlock()
		return
	}
	exclude := make([]string, 0, len(m.byAddress))
	for addr := range m.byAddress {
		exclude = append(exclude, addr)
	}
	m.mu.Unlock()

	for {
		addr, err := m.controller.RecruitBlobWorker(ctx, bwrpc.RecruitBlobWorkerRequest{Exclude: exclude})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if !bwrpc.RecruitmentRetryable(err) {
				m.cfg.logf("recruiter: recruit_blob_worker: %s", err)
				return
			}
			select {
			case <-time.After(m.cfg.RecruitmentDelay):
				continue
			case <-ctx.Done():
				return
			}
		}

		wid := id.New()
		got, err := m.controller.InitializeBlobWorker(ctx, addr, bwrpc.InitializeBlobWorkerRequest{InterfaceID: wid})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.cfg.logf("recruiter: initialize_blob_worker %s: %s", addr, err)
			select {
			case <-time.After(m.cfg.RecruitmentDelay):
				continue
			case <-ctx.Done():
				return
			}
		}
		if !got.IsZero() {
			wid = got
		}

		w := &workerHandle{id: wid, address: addr, client: m.dial(addr)}
		err = m.store.Transact(ctx, func(ctx context.Context, tr bmstore.Txn) error {
			if err := bmstore.CheckManagerLock(ctx, tr, m.epoch); err != nil {
				return err
			}
			return bmstore.RegisterWorker(tr, bmstore.WorkerRegistration{ID: wid, Address: addr, DC: m.cfg.DC})
		})
		if err != nil {
			if errors.Is(err, bmstore.ErrManagerReplaced) {
				m.failover(err)
				return
			}
			m.cfg.logf("recruiter: registering %s: %s", addr, err)
			continue
		}

		m.mu.Lock()
		m.workers[wid] = w
		m.byAddress[addr] = wid
		m.mu.Unlock()

		m.stats.workersRecruited.Add(1)
		m.startSupervisor(ctx, w)
		return
	}
}
