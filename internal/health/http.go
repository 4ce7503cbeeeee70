/*
 * Licensed to the Apache Software Foundation (ASF) under one or more
 * contributor license agreements.  See the NOTICE file distributed with
 * this work for additional information regarding copyright ownership.
 * The ASF licenses this file to You under the Apache License, Version 2.0
 * (the "License"); you may not use this file except in compliance with
 * the License.  You may obtain a copy of the License at
 *
 *    http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package health

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
)

type probeResponse struct {
	Status    string `json:"status"`
	State     string `json:"state,omitempty"`
	Timestamp string `json:"timestamp"`
}

// Handler returns the HTTP probe routes
// Handler 返回 HTTP 探针路由
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	return r
}

// handleHealth answers while the process is up
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, probeResponse{
		Status:    "healthy",
		State:     s.status().State,
		Timestamp: time.Now().Format(time.RFC3339),
	})
}

// handleReady answers 200 only while the child is running
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	st := s.status()
	code, text := http.StatusOK, "ready"
	if !st.Running {
		code, text = http.StatusServiceUnavailable, "not ready"
	}
	writeJSON(w, code, probeResponse{
		Status:    text,
		State:     st.State,
		Timestamp: time.Now().Format(time.RFC3339),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.status())
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
