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

// Package objstore is the narrow slice of blob storage that
// RetentionGC needs: deleting the file objects a granule's history
// left behind once nothing can reach them any longer. It plays the
// same role that db.InputFS/db.RemoveFS play for the teacher's own
// garbage collector, generalized from a single S3 bucket to any
// backend that can delete a path idempotently.
package objstore

import "context"

// Store deletes granule data files by path. Delete must be idempotent:
// deleting a path that is already gone is not an error, since
// RetentionGC may re-run a prune after a crash between the delete and
// the bookkeeping transaction that records it as done.
type Store interface {
	// Delete removes the object at path. It returns nil if the object
	// does not exist.
	Delete(ctx context.Context, path string) error
}
