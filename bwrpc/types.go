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

// Package bwrpc defines the two RPC surfaces the manager depends on
// as external collaborators: the blob worker control plane
// (AssignRange, RevokeRange, GetGranuleAssignments, HaltBlobWorker,
// GranuleStatusStream) and the cluster controller's recruitment
// endpoint. Neither the worker nor the controller is implemented
// here; only the client-side contract and a JSON-over-HTTP client
// grounded on this module's own use of net/http for AWS requests
// (aws.SigningKey.SignV4 and its callers).
package bwrpc

import (
	"github.com/SnellerInc/blobmanager/id"
	"github.com/SnellerInc/blobmanager/rangemap"
)

// AssignType distinguishes a fresh placement from a re-snapshot of a
// granule that is staying with its current worker.
type AssignType int

const (
	// Normal is a placement onto a (possibly new) worker.
	Normal AssignType = iota
	// Continue asks the current owner to re-snapshot in place,
	// e.g. after a split that produced exactly two boundaries.
	Continue
)

func (t AssignType) String() string {
	if t == Continue {
		return "continue"
	}
	return "normal"
}

// AssignRangeRequest asks a worker to take ownership of range at
// (epoch, seqno).
type AssignRangeRequest struct {
	Range rangemap.KeyRange
	Epoch uint64
	Seqno uint64
	Type  AssignType
}

// RevokeRangeRequest asks a worker to give up range. It is
// best-effort: the manager does not block indefinitely on the reply.
type RevokeRangeRequest struct {
	Range rangemap.KeyRange
	Epoch uint64
	Seqno uint64
}

// GetGranuleAssignmentsRequest asks a worker to report every range it
// currently believes it owns, gated by the requesting manager's
// epoch.
type GetGranuleAssignmentsRequest struct {
	Epoch uint64
}

// GranuleAssignment is one entry of a GetGranuleAssignments reply.
type GranuleAssignment struct {
	Range        rangemap.KeyRange
	GranuleID    id.GranuleID
	EpochAssign  uint64
	SeqnoAssign  uint64
}

// GetGranuleAssignmentsReply is a worker's full assignment report,
// used during RecoveryProcedure step 3.
type GetGranuleAssignmentsReply struct {
	Assignments []GranuleAssignment
}

// HaltBlobWorkerRequest asks a worker to shut down cleanly.
type HaltBlobWorkerRequest struct {
	Reason string
}

// GranuleStatusReport is one message on a worker's status stream.
type GranuleStatusReport struct {
	Range         rangemap.KeyRange
	Epoch         uint64
	Seqno         uint64
	GranuleID     id.GranuleID
	StartVersion  uint64
	LatestVersion uint64
	DoSplit       bool
	WriteHot      bool
}

// RecruitBlobWorkerRequest asks the cluster controller for a
// candidate process address that is not in Exclude.
type RecruitBlobWorkerRequest struct {
	Exclude []string
}

// InitializeBlobWorkerRequest asks a candidate process to become a
// blob worker under the given interface identity.
type InitializeBlobWorkerRequest struct {
	InterfaceID id.WorkerID
}
