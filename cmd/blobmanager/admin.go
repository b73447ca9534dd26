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
	"encoding/json"
	"log"
	"net/http"

	"github.com/SnellerInc/blobmanager/date"
	"github.com/SnellerInc/blobmanager/id"
	"github.com/SnellerInc/blobmanager/manager"
	"github.com/SnellerInc/blobmanager/rangemap"
)

// adminServer exposes the operator-facing surface of a running
// manager: status, the two exposed Halt RPCs from spec.md §6, and the
// chaos-testing debug hooks from manager.Debug. It plays the same
// role the teacher's handler_*.go files play for snellerd, one
// handler per concern instead of one big switch.
type adminServer struct {
	m      *manager.Manager
	logger *log.Logger
}

func (s *adminServer) mux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/stats", s.statsHandler)
	mux.HandleFunc("/halt", s.haltHandler)
	mux.HandleFunc("/halt-all", s.haltAllHandler)
	mux.HandleFunc("/debug/force-move", s.forceMoveHandler)
	mux.HandleFunc("/debug/reassign", s.reassignHandler)
	return mux
}

// statsResponse wraps a Stats snapshot with the wall-clock time it was
// taken at, using the teacher's own date.Time rather than time.Time's
// default JSON encoding, for the same reason db/gc.go logs a
// date.Now() next to its sweep counters: a stable, human-readable
// timestamp independent of the server's local time.Time formatting.
type statsResponse struct {
	manager.Snapshot
	AsOf string `json:"as_of"`
}

func (s *adminServer) statsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	json.NewEncoder(w).Encode(statsResponse{
		Snapshot: s.m.Stats(),
		AsOf:     date.Now().String(),
	})
}

func (s *adminServer) haltHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.m.Halt()
	w.WriteHeader(http.StatusOK)
}

func (s *adminServer) haltAllHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.m.HaltAll(r.Context())
	w.WriteHeader(http.StatusOK)
}

// forceMoveHandler picks a random owned range, revokes it and
// re-assigns it through the ordinary worker pick (which may choose
// the same worker again), for exercising the AssignmentEngine's rebalancing
// path under load, per the chaos-testing supplement in manager/debug.go.
func (s *adminServer) forceMoveHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	rng, ok := s.m.Debug().ForceMove()
	if !ok {
		http.Error(w, "no assigned ranges to move", http.StatusNotFound)
		return
	}
	json.NewEncoder(w).Encode(map[string]string{
		"begin": string(rng.Begin),
		"end":   string(rng.End),
	})
}

type reassignRequest struct {
	Begin  string `json:"begin"`
	End    string `json:"end"`
	Worker string `json:"worker"`
}

func (s *adminServer) reassignHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req reassignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	worker, err := id.Parse(req.Worker)
	if err != nil {
		http.Error(w, "invalid worker id: "+err.Error(), http.StatusBadRequest)
		return
	}
	s.m.Debug().Reassign(rangemap.KeyRange{Begin: rangemap.Key(req.Begin), End: rangemap.Key(req.End)}, worker)
	w.WriteHeader(http.StatusOK)
}
