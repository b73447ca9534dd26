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
	"testing"

	"github.com/SnellerInc/blobmanager/bmstore"
	"github.com/SnellerInc/blobmanager/bwrpc"
	"github.com/SnellerInc/blobmanager/id"
)

// fakeController is a bwrpc.ClusterController double that hands out a
// single fixed candidate address.
type fakeController struct {
	address string
}

func (c *fakeController) RecruitBlobWorker(ctx context.Context, req bwrpc.RecruitBlobWorkerRequest) (string, error) {
	return c.address, nil
}

func (c *fakeController) InitializeBlobWorker(ctx context.Context, address string, req bwrpc.InitializeBlobWorkerRequest) (id.WorkerID, error) {
	return req.InterfaceID, nil
}

var _ bwrpc.ClusterController = (*fakeController)(nil)

// TestRecruitOne_RegistersAndSupervises exercises component G's happy
// path: a candidate is recruited, initialized, registered in the
// durable store, and adopted into the worker registry.
func TestRecruitOne_RegistersAndSupervises(t *testing.T) {
	m, store := testManager(t)
	m.cfg.setDefaults()
	m.controller = &fakeController{address: "10.0.0.9:9180"}
	m.dial = func(address string) bwrpc.BlobWorkerClient { return &fakeClient{} }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m.recruitOne(ctx)

	m.mu.Lock()
	n := len(m.workers)
	_, byAddr := m.byAddress["10.0.0.9:9180"]
	m.mu.Unlock()
	if n != 1 || !byAddr {
		t.Fatalf("expected exactly one adopted worker at the recruited address, got %d workers, present=%v", n, byAddr)
	}
	if m.stats.workersRecruited.Load() != 1 {
		t.Fatalf("expected workersRecruited=1, got %d", m.stats.workersRecruited.Load())
	}

	var regs []bmstore.WorkerRegistration
	err := (*store).Transact(context.Background(), func(ctx context.Context, tr bmstore.Txn) error {
		if err := bmstore.CheckManagerLock(ctx, tr, m.epoch); err != nil {
			return err
		}
		var err error
		regs, err = bmstore.LoadWorkerList(ctx, tr)
		return err
	})
	if err != nil {
		t.Fatalf("loading worker list: %v", err)
	}
	if len(regs) != 1 || regs[0].Address != "10.0.0.9:9180" {
		t.Fatalf("expected one durable registration for the recruited address, got %+v", regs)
	}
}
