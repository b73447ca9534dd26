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

import "errors"

// Sentinel errors returned by BlobWorkerClient and ClusterController
// methods, following the abstract taxonomy of spec.md §7.
var (
	// ErrGranuleAssignmentConflict is returned by AssignRange when a
	// worker's lock is held by a manager at a higher (epoch, seqno).
	ErrGranuleAssignmentConflict = errors.New("bwrpc: granule assignment conflict")
	// ErrBlobManagerReplaced is returned when a worker reports it has
	// already observed a newer manager epoch than the caller's.
	ErrBlobManagerReplaced = errors.New("bwrpc: blob manager replaced")
	// ErrNoMoreServers indicates the target worker is unreachable and
	// no substitute could be found.
	ErrNoMoreServers = errors.New("bwrpc: no more servers")
	// ErrRecruitmentFailed indicates the cluster controller could not
	// produce a candidate process.
	ErrRecruitmentFailed = errors.New("bwrpc: recruitment failed")
	// ErrRequestMaybeDelivered indicates the RPC's outcome is unknown;
	// callers must retry with the same logical request.
	ErrRequestMaybeDelivered = errors.New("bwrpc: request maybe delivered")
)

// RecruitmentRetryable reports whether err should be retried by the
// recruiter after STORAGE_RECRUITMENT_DELAY, per spec.md §4.G step 3.
func RecruitmentRetryable(err error) bool {
	return errors.Is(err, ErrRecruitmentFailed) || errors.Is(err, ErrRequestMaybeDelivered)
}
