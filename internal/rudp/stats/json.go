/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package stats

import (
	"encoding/json"
	"fmt"
	"net/http"

	log "github.com/sirupsen/logrus"
)

// JSONServer serves a Stats snapshot as JSON over HTTP, the way
// ptp4u/stats.JSONStats does for its daemon.
type JSONServer struct {
	Stats *Stats
}

func (j *JSONServer) handle(w http.ResponseWriter, r *http.Request) {
	body, err := json.Marshal(j.Stats.Snapshot())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(body)
}

// ListenAndServe starts the JSON stats endpoint on port. It blocks, like
// http.ListenAndServe, and is meant to be run in its own goroutine; it
// never touches the window, buffer, or socket the control loop owns.
func (j *JSONServer) ListenAndServe(port int) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/stats", j.handle)
	addr := fmt.Sprintf(":%d", port)
	log.Debugf("starting JSON stats server on %s", addr)
	return http.ListenAndServe(addr, mux)
}
