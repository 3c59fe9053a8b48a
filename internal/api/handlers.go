package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jobwatch-dev/jobwatch/internal/progress"
	"github.com/jobwatch-dev/jobwatch/internal/store"
)

const (
	defaultRunLimit = 50
	maxRunLimit     = 500
)

type submitJobRequest struct {
	Task   string            `json:"task"`
	Params map[string]string `json:"params"`
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var req submitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Task == "" {
		writeError(w, http.StatusBadRequest, "task is required")
		return
	}
	handle, err := s.runner.Start(r.Context(), req.Task, req.Params)
	if err != nil {
		s.logger.Warn("job submission rejected", zap.String("task", req.Task), zap.Error(err))
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": handle})
}

// cancelJob mirrors the reference cancel contract: the response reports
// whether a live job was actually cancelled, and cancelling twice reports
// false the second time.
func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	handle := chi.URLParam(r, "job_id")
	if _, err := uuid.Parse(handle); err != nil {
		writeError(w, http.StatusBadRequest, "invalid job_id")
		return
	}
	cancelled := s.runner.Cancel(handle)
	writeJSON(w, http.StatusOK, map[string]any{"job_id": handle, "cancelled": cancelled})
}

func (s *Server) getProgress(w http.ResponseWriter, r *http.Request) {
	handle := chi.URLParam(r, "job_id")
	snap, ok := s.registry.Snapshot(handle)
	if !ok {
		writeError(w, http.StatusNotFound, "job is not being watched")
		return
	}
	writeJSON(w, http.StatusOK, toSnapshotDTO(snap))
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parseLimitOffset(r, defaultRunLimit, maxRunLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var status *store.RunStatus
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		parsed, parseErr := parseStatus(raw)
		if parseErr != nil {
			writeError(w, http.StatusBadRequest, parseErr.Error())
			return
		}
		status = &parsed
	}
	runs, err := s.history.ListRuns(r.Context(), status, limit, offset)
	if err != nil {
		s.logger.Error("list runs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": toRunDTOs(runs)})
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	id, err := parseJobID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	run, err := s.history.GetRun(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		s.logger.Error("get run failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load run")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": toRunDTO(run)})
}

func parseJobID(r *http.Request) (uuid.UUID, error) {
	raw := chi.URLParam(r, "job_id")
	if raw == "" {
		return uuid.UUID{}, errors.New("job_id is required")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.UUID{}, errors.New("invalid job_id")
	}
	return id, nil
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if raw := q.Get("limit"); raw != "" {
		val, err := strconv.Atoi(raw)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if raw := q.Get("offset"); raw != "" {
		val, err := strconv.Atoi(raw)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

func parseStatus(input string) (store.RunStatus, error) {
	switch strings.ToLower(input) {
	case "running":
		return store.RunRunning, nil
	case "success":
		return store.RunSuccess, nil
	case "error", "failed", "failure":
		return store.RunError, nil
	case "cancelled", "canceled":
		return store.RunCancelled, nil
	default:
		return "", errors.New("invalid status")
	}
}

type snapshotDTO struct {
	JobID     string    `json:"job_id"`
	Completed uint64    `json:"completed"`
	Total     uint64    `json:"total"`
	Fraction  *float64  `json:"fraction,omitempty"`
	Lines     []lineDTO `json:"lines"`
}

type lineDTO struct {
	Seq  uint64 `json:"seq"`
	Text string `json:"text"`
}

func toSnapshotDTO(snap progress.Snapshot) snapshotDTO {
	dto := snapshotDTO{
		JobID:     snap.Handle,
		Completed: snap.Completed,
		Total:     snap.Total,
		Lines:     make([]lineDTO, 0, len(snap.Lines)),
	}
	if f, ok := snap.Fraction(); ok {
		dto.Fraction = &f
	}
	for _, line := range snap.Lines {
		dto.Lines = append(dto.Lines, lineDTO{Seq: line.Seq, Text: line.Text})
	}
	return dto
}

type runDTO struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Status     string     `json:"status"`
	Error      *string    `json:"error,omitempty"`
}

func toRunDTOs(in []store.JobRun) []runDTO {
	out := make([]runDTO, 0, len(in))
	for _, run := range in {
		out = append(out, toRunDTO(run))
	}
	return out
}

func toRunDTO(run store.JobRun) runDTO {
	return runDTO{
		ID:         run.ID.String(),
		Name:       run.Name,
		StartedAt:  run.StartedAt,
		FinishedAt: run.FinishedAt,
		Status:     string(run.Status),
		Error:      run.ErrorMessage,
	}
}
