// -----------------------------------------------------------------------
// Last Modified: Thursday, 9th October 2025 8:53:55 am
// Modified By: Bob McAllan
// -----------------------------------------------------------------------

package server

import (
	"net/http"
	"strings"
)

// setupRoutes configures the minimal job-status HTTP surface (SPEC_FULL.md
// §5): GET/POST /jobs, GET /jobs/{id}, GET /jobs/{id}/logs,
// POST /jobs/{id}/cancel, WS /events, GET /health and POST /shutdown.
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/events", s.ws.HandleWebSocket)

	mux.HandleFunc("/jobs", s.handleJobsRoute)
	mux.HandleFunc("/jobs/", s.handleJobItemRoutes)

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/shutdown", s.ShutdownHandler)

	return mux
}

// handleJobsRoute handles GET /jobs (list) and POST /jobs (submit).
func (s *Server) handleJobsRoute(w http.ResponseWriter, r *http.Request) {
	RouteResourceCollection(w, r, s.ListJobsHandler, s.SubmitJobHandler)
}

// handleJobItemRoutes handles GET /jobs/{id}, GET /jobs/{id}/logs, and
// POST /jobs/{id}/cancel.
func (s *Server) handleJobItemRoutes(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/jobs/")
	path = strings.TrimSuffix(path, "/")
	if path == "" {
		http.NotFound(w, r)
		return
	}

	matched := RouteByPathSuffix(w, r, "/jobs/", []PathSuffixRouter{
		{Suffix: "/logs", Handler: func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodGet {
				http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
				return
			}
			s.GetJobLogsHandler(w, r, strings.TrimSuffix(path, "/logs"))
		}},
		{Suffix: "/cancel", Handler: func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
				return
			}
			s.CancelJobHandler(w, r, strings.TrimSuffix(path, "/cancel"))
		}},
	})
	if matched {
		return
	}

	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.GetJobHandler(w, r, path)
}

// handleHealth reports Store connectivity for local health checks.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.app.Store.Ping(r.Context()); err != nil {
		http.Error(w, "store unreachable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}
