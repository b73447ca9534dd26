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

package bwrpc

import (
	"context"

	"github.com/SnellerInc/blobmanager/id"
)

// BlobWorkerClient is the control-plane surface the manager consumes
// on a single blob worker. Implementations must be safe for
// concurrent use, since WorkerSupervisor drives WaitFailure and
// StatusStream concurrently against the same worker.
type BlobWorkerClient interface {
	// AssignRange dispatches an assignment. Returns
	// ErrGranuleAssignmentConflict, ErrBlobManagerReplaced, or a
	// transport error.
	AssignRange(ctx context.Context, req AssignRangeRequest) error
	// RevokeRange asks the worker to give up a range. Best-effort:
	// callers should not block indefinitely on its result.
	RevokeRange(ctx context.Context, req RevokeRangeRequest) error
	// GetGranuleAssignments asks the worker for its current view of
	// ownership, used during recovery.
	GetGranuleAssignments(ctx context.Context, req GetGranuleAssignmentsRequest) (GetGranuleAssignmentsReply, error)
	// HaltBlobWorker asks the worker to shut down.
	HaltBlobWorker(ctx context.Context, req HaltBlobWorkerRequest) error
	// GranuleStatusStream returns a channel of status reports; the
	// channel is closed (possibly with a final error observable
	// through the returned error channel) when the stream ends.
	GranuleStatusStream(ctx context.Context) (<-chan GranuleStatusReport, <-chan error)
}

// ClusterController is the recruitment endpoint the Recruiter
// consumes; it is explicitly out of scope for this repository (spec
// §1) beyond this request/reply contract.
type ClusterController interface {
	// RecruitBlobWorker returns the address of a candidate process
	// not present in req.Exclude.
	RecruitBlobWorker(ctx context.Context, req RecruitBlobWorkerRequest) (address string, err error)
	// InitializeBlobWorker asks the process at address to become a
	// blob worker under the given interface id, returning the id the
	// worker actually assumed (normally req.InterfaceID).
	InitializeBlobWorker(ctx context.Context, address string, req InitializeBlobWorkerRequest) (id.WorkerID, error)
}
