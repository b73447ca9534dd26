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
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/SnellerInc/blobmanager/id"
)

// HTTPClient is a BlobWorkerClient that speaks newline-delimited JSON
// over plain HTTP, in the same style as this module's aws package
// drives S3 with net/http rather than a generated stub: no RPC
// framework appears anywhere in the example pack this module was
// built from, so the control plane follows the corpus's own house
// style for talking to an HTTP endpoint.
type HTTPClient struct {
	Base   string // e.g. "http://10.0.0.5:9180"
	Client *http.Client
}

// NewHTTPClient returns a client addressing a worker at base. If
// client is nil, http.DefaultClient is used.
func NewHTTPClient(base string, client *http.Client) *HTTPClient {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPClient{Base: base, Client: client}
}

func (c *HTTPClient) post(ctx context.Context, path string, req, reply any) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Base+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	res, err := c.Client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %s: %s", ErrNoMoreServers, path, err)
	}
	defer res.Body.Close()
	switch res.StatusCode {
	case http.StatusOK:
		if reply == nil {
			return nil
		}
		return json.NewDecoder(res.Body).Decode(reply)
	case http.StatusConflict:
		return ErrGranuleAssignmentConflict
	case http.StatusGone:
		return ErrBlobManagerReplaced
	case http.StatusServiceUnavailable:
		return ErrRequestMaybeDelivered
	default:
		return fmt.Errorf("%w: %s: unexpected status %s", ErrNoMoreServers, path, res.Status)
	}
}

func (c *HTTPClient) AssignRange(ctx context.Context, req AssignRangeRequest) error {
	return c.post(ctx, "/assign_range", req, nil)
}

func (c *HTTPClient) RevokeRange(ctx context.Context, req RevokeRangeRequest) error {
	return c.post(ctx, "/revoke_range", req, nil)
}

func (c *HTTPClient) GetGranuleAssignments(ctx context.Context, req GetGranuleAssignmentsRequest) (GetGranuleAssignmentsReply, error) {
	var reply GetGranuleAssignmentsReply
	err := c.post(ctx, "/granule_assignments", req, &reply)
	return reply, err
}

func (c *HTTPClient) HaltBlobWorker(ctx context.Context, req HaltBlobWorkerRequest) error {
	return c.post(ctx, "/halt", req, nil)
}

// GranuleStatusStream connects to a newline-delimited JSON stream of
// GranuleStatusReport values, closing both channels when ctx is
// canceled or the connection ends.
func (c *HTTPClient) GranuleStatusStream(ctx context.Context) (<-chan GranuleStatusReport, <-chan error) {
	reports := make(chan GranuleStatusReport)
	errs := make(chan error, 1)
	go func() {
		defer close(reports)
		defer close(errs)

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.Base+"/granule_status_stream", nil)
		if err != nil {
			errs <- err
			return
		}
		res, err := c.Client.Do(httpReq)
		if err != nil {
			errs <- fmt.Errorf("%w: granule_status_stream: %s", ErrNoMoreServers, err)
			return
		}
		defer res.Body.Close()
		if res.StatusCode != http.StatusOK {
			errs <- fmt.Errorf("%w: granule_status_stream: %s", ErrNoMoreServers, res.Status)
			return
		}
		scanner := bufio.NewScanner(res.Body)
		for scanner.Scan() {
			var rep GranuleStatusReport
			if err := json.Unmarshal(scanner.Bytes(), &rep); err != nil {
				errs <- err
				return
			}
			select {
			case reports <- rep:
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			errs <- err
		}
	}()
	return reports, errs
}

// HTTPClusterController is a ClusterController that speaks the same
// JSON-over-HTTP style as HTTPClient.
type HTTPClusterController struct {
	Base   string
	Client *http.Client
}

// NewHTTPClusterController returns a controller client addressing
// base. If client is nil, http.DefaultClient is used.
func NewHTTPClusterController(base string, client *http.Client) *HTTPClusterController {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPClusterController{Base: base, Client: client}
}

func (c *HTTPClusterController) do(ctx context.Context, path string, req, reply any) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Base+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	res, err := c.Client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrRecruitmentFailed, err)
	}
	defer res.Body.Close()
	switch res.StatusCode {
	case http.StatusOK:
		return json.NewDecoder(res.Body).Decode(reply)
	case http.StatusServiceUnavailable:
		return ErrRequestMaybeDelivered
	default:
		return fmt.Errorf("%w: unexpected status %s", ErrRecruitmentFailed, res.Status)
	}
}

func (c *HTTPClusterController) RecruitBlobWorker(ctx context.Context, req RecruitBlobWorkerRequest) (string, error) {
	var reply struct {
		Address string `json:"address"`
	}
	err := c.do(ctx, "/recruit_blob_worker", req, &reply)
	return reply.Address, err
}

func (c *HTTPClusterController) InitializeBlobWorker(ctx context.Context, address string, req InitializeBlobWorkerRequest) (id.WorkerID, error) {
	var reply struct {
		InterfaceID id.WorkerID `json:"interface_id"`
	}
	worker := &HTTPClusterController{Base: address, Client: c.Client}
	err := worker.do(ctx, "/initialize_blob_worker", req, &reply)
	return reply.InterfaceID, err
}

var _ BlobWorkerClient = (*HTTPClient)(nil)
var _ ClusterController = (*HTTPClusterController)(nil)
