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

package main

import (
	"fmt"
	"os"

	"sigs.k8s.io/yaml"
)

// fileConfig is the shape of the -config YAML file: defaults for any
// daemon flag the operator would rather set once per deployment than
// repeat on every invocation. Flags given explicitly on the command
// line always win over the file.
type fileConfig struct {
	AdminEndpoint     string `json:"admin_endpoint,omitempty"`
	DBDir             string `json:"db_dir,omitempty"`
	BlobDir           string `json:"blob_dir,omitempty"`
	Bucket            string `json:"bucket,omitempty"`
	IAMRole           string `json:"iam_role,omitempty"`
	Begin             string `json:"begin,omitempty"`
	End               string `json:"end,omitempty"`
	DC                string `json:"dc,omitempty"`
	ClusterController string `json:"cluster_controller,omitempty"`
}

// loadFileConfig reads and parses a YAML config file at path.
func loadFileConfig(path string) (fileConfig, error) {
	var fc fileConfig
	b, err := os.ReadFile(path)
	if err != nil {
		return fc, err
	}
	if err := yaml.Unmarshal(b, &fc); err != nil {
		return fc, fmt.Errorf("parsing YAML: %w", err)
	}
	return fc, nil
}

// applyDefaults copies fc's fields into dst, one entry per flag name,
// skipping any flag the caller already set explicitly on the command
// line (per explicit) or that the file left blank.
func (fc fileConfig) applyDefaults(explicit map[string]bool, dst map[string]*string) {
	values := map[string]string{
		"a":                  fc.AdminEndpoint,
		"db":                 fc.DBDir,
		"blobdir":            fc.BlobDir,
		"bucket":             fc.Bucket,
		"iam-role":           fc.IAMRole,
		"begin":              fc.Begin,
		"end":                fc.End,
		"dc":                 fc.DC,
		"cluster-controller": fc.ClusterController,
	}
	for name, v := range values {
		if v == "" || explicit[name] {
			continue
		}
		if p, ok := dst[name]; ok {
			*p = v
		}
	}
}
