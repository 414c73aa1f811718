package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"

	"github.com/chhz0/taskq/types"
)

const maxBodyBytes = 1 << 20

func newRouter(s *Server) *http.ServeMux {
	mux := http.NewServeMux()

	// 管理API
	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("POST /tasks", s.auth.require(s.handleSubmitTask))
	mux.HandleFunc("GET /tasks", s.auth.require(s.handleListTasks))
	mux.HandleFunc("GET /tasks/{taskId}", s.auth.require(s.handleGetTask))
	mux.HandleFunc("POST /tasks/status/{taskId}", s.handleReportStatus)

	mux.HandleFunc("POST /workers/register", s.auth.require(s.handleRegisterWorker))
	mux.HandleFunc("GET /workers/heartbeat/{workerId}", s.handleHeartbeat)
	mux.HandleFunc("GET /workers/active", s.auth.require(s.handleActiveWorkers))
	mux.HandleFunc("GET /workers/peers", s.handleActiveWorkers)

	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	var sub types.TaskSubmission
	if !decodeBody(w, r, &sub) {
		return
	}
	owner := ownerFrom(r.Context())
	if isAdmin(owner) {
		owner = ""
	}

	task, err := s.dispatcher.Submit(r.Context(), sub, owner)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, s.tasks.Info(r.Context(), task))
}

func (s *Server) handleReportStatus(w http.ResponseWriter, r *http.Request) {
	var report types.StatusReport
	if !decodeBody(w, r, &report) {
		return
	}

	task, err := s.tasks.UpdateStatus(r.Context(), r.PathValue("taskId"), report)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.tasks.Info(r.Context(), task))
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var status *types.TaskStatus
	if v := q.Get("status"); v != "" {
		st, err := types.ParseTaskStatus(v)
		if err != nil {
			writeError(w, r, err)
			return
		}
		status = &st
	}
	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, r, fmt.Errorf("%w: invalid limit %q", types.ErrInvalidRequest, v))
			return
		}
		limit = n
	}

	// 普通用户只能看到自己的任务
	owner := ownerFrom(r.Context())
	if isAdmin(owner) {
		owner = q.Get("owner")
	}

	infos, err := s.tasks.ListTasks(r.Context(), owner, status, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, infos)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.tasks.FindByTaskId(r.Context(), r.PathValue("taskId"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	owner := ownerFrom(r.Context())
	if !isAdmin(owner) && task.OwnerID != owner {
		writeJSONError(w, http.StatusForbidden, "task belongs to another user")
		return
	}
	writeJSON(w, http.StatusOK, s.tasks.Info(r.Context(), task))
}

func (s *Server) handleRegisterWorker(w http.ResponseWriter, r *http.Request) {
	var reg types.WorkerRegistration
	if !decodeBody(w, r, &reg) {
		return
	}
	owner := ownerFrom(r.Context())
	if isAdmin(owner) {
		owner = ""
	}

	worker, err := s.workers.RegisterOrReactivate(r.Context(), reg, owner)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, worker)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	workerID := r.PathValue("workerId")
	ok, err := s.workers.Heartbeat(r.Context(), workerID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !ok {
		writeError(w, r, types.ErrWorkerNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "worker_id": workerID})
}

func (s *Server) handleActiveWorkers(w http.ResponseWriter, r *http.Request) {
	workers, err := s.workers.ListActiveWorkers(r.Context(), s.cfg.LivenessWindow)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if workers == nil {
		workers = []*types.Worker{}
	}
	writeJSON(w, http.StatusOK, workers)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// writeError 未识别的错误只记录日志，不把细节返回给调用方
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, types.ErrTaskNotFound), errors.Is(err, types.ErrWorkerNotFound):
		writeJSONError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, types.ErrInvalidRequest), errors.Is(err, types.ErrDuplicateTaskID):
		writeJSONError(w, http.StatusBadRequest, err.Error())
	case types.IsRejected(err):
		writeJSONError(w, http.StatusConflict, err.Error())
	default:
		log.Printf("[http] %s %s failed err=%v", r.Method, r.URL.Path, err)
		writeJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}

func writeJSONError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, types.ErrorResponse{Message: msg})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
