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

package bmstore

import (
	"context"
	"encoding/json"

	"github.com/SnellerInc/blobmanager/id"
)

// WorkerRegistration is the durable record of one recruited blob
// worker's identity and RPC endpoint.
type WorkerRegistration struct {
	ID      id.WorkerID `json:"id"`
	Address string      `json:"address"`
	DC      string      `json:"dc"`
}

// RegisterWorker durably records a newly-recruited worker.
func RegisterWorker(tr Txn, w WorkerRegistration) error {
	buf, err := json.Marshal(w)
	if err != nil {
		return err
	}
	tr.Set(WorkerListKey(w.ID), buf)
	return nil
}

// DeregisterWorker removes a worker's registration, e.g. after
// kill_blob_worker (spec.md §4.F) or a halt.
func DeregisterWorker(tr Txn, worker id.WorkerID) {
	tr.Clear(WorkerListKey(worker))
}

// LoadWorkerList reads every registered worker.
func LoadWorkerList(ctx context.Context, tr Txn) ([]WorkerRegistration, error) {
	kvs, err := tr.GetRange(ctx, WorkerListPrefix(), WorkerListEnd(), 0)
	if err != nil {
		return nil, err
	}
	out := make([]WorkerRegistration, 0, len(kvs))
	for _, kv := range kvs {
		var w WorkerRegistration
		if err := json.Unmarshal(kv.Value, &w); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, nil
}
