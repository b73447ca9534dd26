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

// Package dirblob is an objstore.Store backed by a local directory,
// generalizing the role the teacher's db.DirFS plays as the
// non-S3 local-testing backend for blob data.
package dirblob

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/SnellerInc/blobmanager/objstore"
)

// Store deletes files rooted at Dir.
type Store struct {
	Dir string
}

// New returns a Store rooted at dir.
func New(dir string) *Store {
	return &Store{Dir: dir}
}

func (s *Store) resolve(path string) (string, error) {
	clean := filepath.Clean("/" + path)
	full := filepath.Join(s.Dir, clean)
	if !strings.HasPrefix(full, filepath.Clean(s.Dir)+string(filepath.Separator)) && full != filepath.Clean(s.Dir) {
		return "", errors.New("dirblob: path escapes root")
	}
	return full, nil
}

// Delete removes the file at path, rooted at Dir. A missing file is
// not an error.
func (s *Store) Delete(ctx context.Context, path string) error {
	full, err := s.resolve(path)
	if err != nil {
		return err
	}
	err = os.Remove(full)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

var _ objstore.Store = (*Store)(nil)
