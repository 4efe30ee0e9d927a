package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/sells-group/vocab-cli/internal/model"
)

type configResponse struct {
	CurrentModel    string   `json:"current_model"`
	AvailableModels []string `json:"available_models"`
}

func (s *Server) getConfig(w http.ResponseWriter, r *http.Request) {
	ctl, err := s.store.GetControl(r.Context())
	if err != nil {
		internalError(w, "get config", err)
		return
	}
	current := ctl.Model
	if current == "" {
		current = s.opts.DefaultModel
	}
	writeJSON(w, http.StatusOK, configResponse{CurrentModel: current, AvailableModels: s.opts.AvailableModels})
}

func (s *Server) setConfig(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ModelName string `json:"model_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	modelID := strings.TrimSpace(req.ModelName)
	if modelID == "" {
		writeError(w, http.StatusBadRequest, "model_name is required")
		return
	}
	if err := s.store.SetModel(r.Context(), modelID); err != nil {
		internalError(w, "set model", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "model": modelID})
}

func (s *Server) getWorkerStatus(w http.ResponseWriter, r *http.Request) {
	ctl, err := s.store.GetControl(r.Context())
	if err != nil {
		internalError(w, "get worker status", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(ctl.RunState)})
}

func (s *Server) setWorkerStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status model.RunState `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !req.Status.Valid() {
		writeError(w, http.StatusBadRequest, "invalid status")
		return
	}
	if err := s.store.SetRunState(r.Context(), req.Status); err != nil {
		internalError(w, "set worker status", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "status": req.Status})
}

// recentLog is one row of the dashboard activity feed.
type recentLog struct {
	Word          string           `json:"word"`
	Tags          []string         `json:"tags"`
	Status        model.Status     `json:"status"`
	Level         string           `json:"level"`
	UpdatedAt     string           `json:"updated_at"`
	ClassifyStage model.StageState `json:"processed_flag"`
}

type statsResponse struct {
	model.StageStats
	RecentLogs []recentLog `json:"recent_logs"`
}

func (s *Server) getStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		internalError(w, "stats", err)
		return
	}
	items, err := s.store.RecentItems(r.Context(), s.opts.RecentLimit)
	if err != nil {
		internalError(w, "recent items", err)
		return
	}

	logs := make([]recentLog, len(items))
	for i, it := range items {
		logs[i] = recentLog{
			Word:          it.Word,
			Tags:          it.Tags,
			Status:        it.Status,
			Level:         it.Level,
			UpdatedAt:     it.UpdatedAt.UTC().Format("2006-01-02 15:04:05"),
			ClassifyStage: it.ClassifyStage,
		}
	}
	writeJSON(w, http.StatusOK, statsResponse{StageStats: stats, RecentLogs: logs})
}

func (s *Server) listBatchRuns(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	runs, err := s.store.ListBatchRuns(r.Context(), limit)
	if err != nil {
		internalError(w, "list batch runs", err)
		return
	}
	if runs == nil {
		runs = []model.BatchRun{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// retryErrors re-queues failed items. The stage query parameter selects
// classify (default), translate, or all.
func (s *Server) retryErrors(w http.ResponseWriter, r *http.Request) {
	var stages []model.Stage
	switch raw := r.URL.Query().Get("stage"); raw {
	case "":
		stages = []model.Stage{model.StageClassify}
	case "all":
		stages = []model.Stage{model.StageClassify, model.StageTranslate}
	default:
		stage, ok := model.ParseStage(raw)
		if !ok {
			writeError(w, http.StatusBadRequest, "unknown stage "+strconv.Quote(raw))
			return
		}
		stages = []model.Stage{stage}
	}

	total := 0
	for _, stage := range stages {
		n, err := s.store.RetryErrors(r.Context(), stage)
		if err != nil {
			internalError(w, "retry errors", err)
			return
		}
		total += n
	}
	writeAction(w, "Error items queued for retry.", total)
}

func (s *Server) resetDiscards(w http.ResponseWriter, r *http.Request) {
	n, err := s.store.ResetDiscards(r.Context())
	if err != nil {
		internalError(w, "reset discards", err)
		return
	}
	writeAction(w, "Discarded words reset to pending.", n)
}

func (s *Server) triggerTranslate(w http.ResponseWriter, r *http.Request) {
	n, err := s.store.ResetTranslations(r.Context())
	if err != nil {
		internalError(w, "reset translations", err)
		return
	}
	writeAction(w, "Translation queue reset.", n)
}

func writeAction(w http.ResponseWriter, msg string, affected int) {
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"message":  msg,
		"affected": affected,
	})
}
