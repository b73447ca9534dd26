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

// Package s3blob is an objstore.Store backed by S3, reusing this
// module's aws package for SigV4 signing rather than pulling in an
// AWS SDK. It re-implements the narrow slice of the teacher's own
// aws/s3 client (bucket validation, URI construction, and a delete
// request) that RetentionGC actually needs; everything else that
// package offered (readers, globbing, multipart upload) has no
// customer in this system, so it was not carried over.
package s3blob

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"

	"github.com/SnellerInc/blobmanager/aws"
	"github.com/SnellerInc/blobmanager/objstore"
)

// validBucket matches the DNS-compatible bucket name grammar S3
// requires (lowercase letters, digits, dots and hyphens, 3-63 chars).
var validBucket = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

// ValidBucket reports whether bucket is a legal S3 bucket name.
func ValidBucket(bucket string) bool {
	return validBucket.MatchString(bucket)
}

// Store deletes objects from a single S3 bucket.
type Store struct {
	Key    *aws.SigningKey
	Bucket string
	Client *http.Client
}

// New returns a Store for bucket, signed with key. If client is nil,
// http.DefaultClient is used.
func New(key *aws.SigningKey, bucket string, client *http.Client) (*Store, error) {
	if !ValidBucket(bucket) {
		return nil, fmt.Errorf("s3blob: %q is not a valid bucket name", bucket)
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &Store{Key: key, Bucket: bucket, Client: client}, nil
}

func (s *Store) uri(path string) string {
	base := s.Key.BaseURI
	if base == "" {
		base = "https://" + s.Bucket + ".s3.amazonaws.com"
	} else {
		base = base + "/" + s.Bucket
	}
	return base + "/" + strings.TrimPrefix(path, "/")
}

// Delete removes path from the bucket. A 404 or 204 response is
// treated as success, matching S3's own idempotent-delete semantics.
func (s *Store) Delete(ctx context.Context, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, s.uri(path), nil)
	if err != nil {
		return err
	}
	s.Key.SignV4(req, nil)
	res, err := s.Client.Do(req)
	if err != nil {
		return fmt.Errorf("s3blob: delete %s: %w", path, err)
	}
	defer res.Body.Close()
	switch res.StatusCode {
	case http.StatusOK, http.StatusNoContent, http.StatusNotFound:
		io.Copy(io.Discard, res.Body)
		return nil
	default:
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("s3blob: delete %s: %s: %s", path, res.Status, body)
	}
}

var _ objstore.Store = (*Store)(nil)
