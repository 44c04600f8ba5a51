package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/praxis-ai/coordinator/internal/complexity"
	"github.com/praxis-ai/coordinator/internal/delegation"
	"github.com/praxis-ai/coordinator/internal/hierarchy"
	"github.com/praxis-ai/coordinator/internal/hookmetrics"
	"github.com/praxis-ai/coordinator/internal/retrieval"
	"github.com/praxis-ai/coordinator/internal/statemachine"
	"github.com/praxis-ai/coordinator/internal/taskmanager"
)

// CoordinationDeps are the optional coordination services exposed over HTTP.
type CoordinationDeps struct {
	Decider   *delegation.Decider
	Analyzer  *complexity.Analyzer
	Tasks     *taskmanager.Manager
	Hierarchy *hierarchy.Registry
	States    *statemachine.Manager
	Hooks     *hookmetrics.Collector
	Retriever *retrieval.Retriever
}

// registerCoordinationRoutes mounts the coordination endpoints when their
// services are wired.
func (s *Server) registerCoordinationRoutes(mux *http.ServeMux, deps CoordinationDeps) {
	if deps.Decider != nil {
		mux.HandleFunc("/api/delegation/evaluate", func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
				return
			}
			var body struct {
				Task  *delegation.Task  `json:"task"`
				Agent *delegation.Agent `json:"agent"`
			}
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				http.Error(w, `{"error":"invalid body"}`, http.StatusBadRequest)
				return
			}
			decision, err := deps.Decider.Evaluate(r.Context(), body.Task, body.Agent, delegation.EvaluateOptions{})
			if err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
				return
			}
			writeJSON(w, http.StatusOK, decision)
		})
	}

	if deps.Analyzer != nil {
		mux.HandleFunc("/api/complexity/analyze", func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
				return
			}
			var task complexity.Task
			if err := json.NewDecoder(r.Body).Decode(&task); err != nil {
				http.Error(w, `{"error":"invalid body"}`, http.StatusBadRequest)
				return
			}
			result, err := deps.Analyzer.Analyze(&task, complexity.AnalyzeOptions{UseCache: true})
			if err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
				return
			}
			writeJSON(w, http.StatusOK, result)
		})
	}

	if deps.Tasks != nil {
		mux.HandleFunc("/api/tasks", func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodGet:
				writeJSON(w, http.StatusOK, deps.Tasks.ListTasks())
			case http.MethodPost:
				var props taskmanager.Task
				if err := json.NewDecoder(r.Body).Decode(&props); err != nil {
					http.Error(w, `{"error":"invalid body"}`, http.StatusBadRequest)
					return
				}
				task, err := deps.Tasks.CreateTask(props)
				if err != nil {
					writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
					return
				}
				writeJSON(w, http.StatusCreated, task)
			default:
				http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
			}
		})
		mux.HandleFunc("/api/tasks/subtask", func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
				return
			}
			var body struct {
				ParentID  string           `json:"parent_id"`
				Overrides taskmanager.Task `json:"overrides"`
			}
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				http.Error(w, `{"error":"invalid body"}`, http.StatusBadRequest)
				return
			}
			subtask, err := deps.Tasks.CreateSubtask(body.ParentID, body.Overrides)
			if err != nil {
				status := http.StatusInternalServerError
				if errors.Is(err, taskmanager.ErrParentNotFound) {
					status = http.StatusNotFound
				}
				writeJSON(w, status, map[string]string{"error": err.Error()})
				return
			}
			writeJSON(w, http.StatusCreated, subtask)
		})
		mux.HandleFunc("/api/tasks/status", func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
				return
			}
			var body struct {
				ID     string `json:"id"`
				Status string `json:"status"`
			}
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				http.Error(w, `{"error":"invalid body"}`, http.StatusBadRequest)
				return
			}
			task, err := deps.Tasks.UpdateStatus(body.ID, body.Status)
			if err != nil {
				writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
				return
			}
			writeJSON(w, http.StatusOK, task)
		})
		mux.HandleFunc("/api/tasks/validate", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, deps.Tasks.ValidateHierarchy())
		})
		mux.HandleFunc("/api/tasks/stats", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, deps.Tasks.GetHierarchyStats())
		})
	}

	if deps.Hierarchy != nil {
		mux.HandleFunc("/api/hierarchy/export", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, deps.Hierarchy.ExportState())
		})
	}

	if deps.States != nil {
		mux.HandleFunc("/api/agents/state", func(w http.ResponseWriter, r *http.Request) {
			id := r.URL.Query().Get("id")
			entry := deps.States.GetState(id)
			if entry == nil {
				writeJSON(w, http.StatusNotFound, map[string]string{"error": "agent not found"})
				return
			}
			writeJSON(w, http.StatusOK, entry)
		})
		mux.HandleFunc("/api/agents/aggregate", func(w http.ResponseWriter, r *http.Request) {
			id := r.URL.Query().Get("id")
			agg := deps.States.GetAggregateState(id)
			if agg == nil {
				writeJSON(w, http.StatusNotFound, map[string]string{"error": "agent not found"})
				return
			}
			writeJSON(w, http.StatusOK, agg)
		})
	}

	if deps.Hooks != nil {
		mux.HandleFunc("/api/hooks/stats", func(w http.ResponseWriter, r *http.Request) {
			kind := r.URL.Query().Get("kind")
			writeJSON(w, http.StatusOK, deps.Hooks.GetHookStats(kind))
		})
	}

	if deps.Retriever != nil {
		mux.HandleFunc("/api/retrieval/stats", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, deps.Retriever.GetStats())
		})
		mux.HandleFunc("/api/retrieval/cache/clear", func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
				return
			}
			removed := deps.Retriever.ClearCache(r.URL.Query().Get("pattern"))
			writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
		})
	}
}
