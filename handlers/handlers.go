// Package handlers provides the HTTP endpoints of the coverage processor.
package handlers

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/psturc/coverage-processor/history"
)

// Enqueuer accepts a coverage artifact reference for asynchronous
// processing and returns the run ID. Satisfied by *runqueue.Queue.
type Enqueuer interface {
	Enqueue(reference string) (string, error)
}

// RunStore provides read access to the run history.
// Satisfied by *history.DB.
type RunStore interface {
	RecentRuns(limit int) ([]history.Run, error)
	GetRun(id string) (*history.Run, error)
}

// InfoProvider is an interface for components to provide their specific information
type InfoProvider interface {
	GetInfo() interface{}
}

// HealthHandler returns a simple OK response for health checks
func HealthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprintln(w, "OK"); err != nil {
		log.Printf("Error writing health response: %v", err)
	}
}

// InfoHandler creates an HTTP handler for the /info endpoint
func InfoHandler(provider InfoProvider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		info := provider.GetInfo()

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(info); err != nil {
			log.Printf("Error encoding info response: %v", err)
			http.Error(w, "Internal server error", http.StatusInternalServerError)
		}
	}
}

// triggerRequest is the body of POST /trigger.
type triggerRequest struct {
	Artifact string `json:"artifact"`
}

// TriggerHandler handles POST /trigger - enqueues processing of a
// coverage artifact image.
func TriggerHandler(queue Enqueuer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req triggerRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
		if strings.TrimSpace(req.Artifact) == "" {
			http.Error(w, "Artifact reference required", http.StatusBadRequest)
			return
		}

		runID, err := queue.Enqueue(req.Artifact)
		if err != nil {
			log.Printf("[runs-api] Failed to enqueue %s: %v", req.Artifact, err)
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		if err := json.NewEncoder(w).Encode(map[string]interface{}{
			"status":   "accepted",
			"run_id":   runID,
			"artifact": req.Artifact,
		}); err != nil {
			log.Printf("Error encoding trigger response: %v", err)
		}
	}
}

// RunsListHandler handles GET /runs - returns recent runs, newest first.
// Query params:
//   - limit: max number of results (default 50)
func RunsListHandler(store RunStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		limit := 50
		if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
			if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
				limit = l
			}
		}

		runs, err := store.RecentRuns(limit)
		if err != nil {
			log.Printf("[runs-api] Failed to list runs: %v", err)
			http.Error(w, "Failed to list runs", http.StatusInternalServerError)
			return
		}

		// Ensure we return empty array instead of null
		if runs == nil {
			runs = []history.Run{}
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(map[string]interface{}{
			"runs":  runs,
			"count": len(runs),
		}); err != nil {
			log.Printf("Error encoding runs response: %v", err)
		}
	}
}

// RunDetailHandler handles GET /runs/{id} - returns a single run.
func RunDetailHandler(store RunStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		const prefix = "/runs/"
		id := strings.TrimPrefix(r.URL.Path, prefix)
		if id == "" || strings.Contains(id, "/") {
			http.Error(w, "Run ID required", http.StatusBadRequest)
			return
		}

		run, err := store.GetRun(id)
		if err != nil {
			log.Printf("[runs-api] Failed to get run %s: %v", id, err)
			http.Error(w, "Failed to get run", http.StatusInternalServerError)
			return
		}
		if run == nil {
			http.Error(w, "Run not found", http.StatusNotFound)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(run); err != nil {
			log.Printf("Error encoding run response: %v", err)
		}
	}
}

// RegisterHandlers registers all coverage processor endpoints on the mux.
func RegisterHandlers(mux *http.ServeMux, provider InfoProvider, queue Enqueuer, store RunStore) {
	mux.HandleFunc("/health", HealthHandler)
	mux.HandleFunc("/info", InfoHandler(provider))
	mux.HandleFunc("/trigger", TriggerHandler(queue))
	mux.HandleFunc("/runs", RunsListHandler(store))
	mux.HandleFunc("/runs/", RunDetailHandler(store))
	log.Println("Coverage processor handlers registered at /trigger and /runs")
}
