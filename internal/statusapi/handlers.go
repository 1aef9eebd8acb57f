package statusapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/nlstn/go-channelsync/internal/etag"
	"github.com/nlstn/go-channelsync/internal/observability"
	"github.com/nlstn/go-channelsync/internal/payload"
	"github.com/nlstn/go-channelsync/internal/preference"
	"github.com/nlstn/go-channelsync/internal/ratelimit"
	"github.com/nlstn/go-channelsync/internal/response"
	"github.com/nlstn/go-channelsync/internal/skiptoken"
	"github.com/nlstn/go-channelsync/internal/taskstore"
)

// Page sizes of GET /tasks/{id}/tree.
const (
	defaultTop = 100
	maxTop     = 1000
)

// CreateTaskRequest is the body of POST /tasks. Data is the bare operation
// payload; the server wraps it.
type CreateTaskRequest struct {
	CompanyID   int64           `json:"companyId"`
	ChannelID   int64           `json:"channelId"`
	Operation   string          `json:"operation"`
	Data        json.RawMessage `json:"data"`
	ParentID    *int64          `json:"parentId,omitempty"`
	Deduplicate bool            `json:"deduplicate,omitempty"`
}

// CreateTaskResponse answers POST /tasks.
type CreateTaskResponse struct {
	ID           int64 `json:"id"`
	Deduplicated bool  `json:"deduplicated"`
}

// TaskResponse is one task with its decoded result.
type TaskResponse struct {
	*taskstore.TaskRecord
	Outcome *taskstore.Result `json:"outcome,omitempty"`
}

// TreeResponse summarises a task and its descendants.
type TreeResponse struct {
	ID       int64                  `json:"id"`
	Counts   taskstore.Counts       `json:"counts"`
	Children []taskstore.TaskRecord `json:"children"`
	// NextSkipToken continues the children listing when more remain.
	NextSkipToken string `json:"nextSkipToken,omitempty"`
}

// StatusResponse reports progress for a company.
type StatusResponse struct {
	CompanyID int64            `json:"companyId"`
	ChannelID int64            `json:"channelId,omitempty"`
	Counts    taskstore.Counts `json:"counts"`
	Total     int64            `json:"total"`
	Done      bool             `json:"done"`
}

// ReserveRequest is the body of PUT /quotas/reserve.
type ReserveRequest struct {
	CompanyID int64     `json:"companyId"`
	ChannelID int64     `json:"channelId"`
	AccountID string    `json:"accountId"`
	Percent   int       `json:"percent"`
	Until     time.Time `json:"until,omitempty"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if s.ping != nil {
		if err := s.ping(r.Context()); err != nil {
			_ = response.WriteError(w, http.StatusServiceUnavailable, "Service Unavailable", err.Error())
			return
		}
	}
	body := map[string]interface{}{"ok": true}
	if s.version != "" {
		body["version"] = s.version
	}
	_ = response.WriteJSON(w, http.StatusOK, body)
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var req CreateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		_ = response.WriteError(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	data, err := payload.Wrap(req.Operation, req.Data)
	if err != nil {
		_ = response.WriteErrorWithTarget(w, http.StatusBadRequest, "Bad Request", "data", err.Error())
		return
	}
	timing := observability.StartServerTimingWithDesc(r.Context(), "enqueue", req.Operation)
	res, err := s.enqueuer.Enqueue(r.Context(), taskstore.EnqueueParams{
		CompanyID:     req.CompanyID,
		ChannelID:     req.ChannelID,
		Operation:     req.Operation,
		OperationData: data,
		ParentID:      req.ParentID,
		Deduplicate:   req.Deduplicate,
	})
	timing.Stop()
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	status := http.StatusCreated
	if res.Deduplicated {
		status = http.StatusOK
	}
	prefs := preference.Parse(r)
	if applied := prefs.Applied(); applied != "" {
		w.Header().Set("Preference-Applied", applied)
	}
	w.Header().Set("Location", "/tasks/"+strconv.FormatInt(res.Task.ID, 10))
	switch prefs.Return {
	case preference.ReturnMinimal:
		w.WriteHeader(http.StatusNoContent)
	case preference.ReturnRepresentation:
		s.writeTask(w, r, status, res.Task)
	default:
		_ = response.WriteJSON(w, status, CreateTaskResponse{ID: res.Task.ID, Deduplicated: res.Deduplicated})
	}
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "taskID")
	if !ok {
		return
	}
	rec, err := s.store.Get(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	tag := taskTag(rec)
	w.Header().Set("ETag", tag)
	if etag.NotModified(r.Header.Get("If-None-Match"), tag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	s.writeTask(w, r, http.StatusOK, rec)
}

func (s *Server) writeTask(w http.ResponseWriter, r *http.Request, status int, rec *taskstore.TaskRecord) {
	out, err := rec.DecodeResult()
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	_ = response.WriteJSON(w, status, TaskResponse{TaskRecord: rec, Outcome: out})
}

// taskTag changes whenever a task transitions or is touched by a duplicate
// enqueue.
func taskTag(rec *taskstore.TaskRecord) string {
	expires := ""
	if rec.StateExpiresAt != nil {
		expires = rec.StateExpiresAt.UTC().Format(time.RFC3339Nano)
	}
	return etag.Weak(
		strconv.FormatInt(rec.ID, 10),
		string(rec.State),
		strconv.Itoa(rec.Retry),
		strconv.FormatBool(rec.Modified),
		expires,
		string(rec.SuspensionPoint),
		string(rec.Result),
	)
}

func (s *Server) getTree(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "taskID")
	if !ok {
		return
	}
	top := defaultTop
	if v := r.URL.Query().Get("top"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > maxTop {
			_ = response.WriteErrorWithTarget(w, http.StatusBadRequest, "Bad Request", "top",
				"must be between 1 and "+strconv.Itoa(maxTop))
			return
		}
		top = n
	}
	token, err := skiptoken.DecodeFor(r.URL.Query().Get("skiptoken"), id)
	if err != nil {
		_ = response.WriteErrorWithTarget(w, http.StatusBadRequest, "Bad Request", "skiptoken", err.Error())
		return
	}

	timing := observability.StartServerTiming(r.Context(), "tree")
	counts, err := s.store.TreeCounts(r.Context(), id)
	if err != nil {
		timing.Stop()
		s.writeStoreError(w, r, err)
		return
	}
	children, err := s.store.ChildrenPage(r.Context(), id, token.AfterID, top+1)
	timing.Stop()
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	out := TreeResponse{ID: id, Counts: counts, Children: children}
	if len(children) > top {
		out.Children = children[:top]
		next, err := skiptoken.Encode(skiptoken.Token{AfterID: out.Children[top-1].ID, ParentID: id})
		if err != nil {
			s.writeStoreError(w, r, err)
			return
		}
		out.NextSkipToken = next
	}
	if out.Children == nil {
		out.Children = []taskstore.TaskRecord{}
	}

	body, err := json.Marshal(out)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	tag := etag.Weak(string(body))
	w.Header().Set("ETag", tag)
	if etag.NotModified(r.Header.Get("If-None-Match"), tag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	_ = response.WriteJSON(w, http.StatusOK, out)
}

// WakeResponse answers POST /tasks/{id}/wake.
type WakeResponse struct {
	ID    int64 `json:"id"`
	Woken bool  `json:"woken"`
}

// wakeTask resumes a suspended task. Waking a task that is not suspended
// succeeds with woken false.
func (s *Server) wakeTask(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "taskID")
	if !ok {
		return
	}
	woke, err := s.waker.Wake(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	if woke {
		s.logger.Info("statusapi: woke task", "task_id", id)
	}
	_ = response.WriteJSON(w, http.StatusOK, WakeResponse{ID: id, Woken: woke})
}

func (s *Server) deleteTask(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "taskID")
	if !ok {
		return
	}
	n, err := s.store.DeleteSubtree(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	s.logger.Info("statusapi: deleted task subtree", "task_id", id, "removed", n)
	_ = response.WriteJSON(w, http.StatusOK, map[string]int64{"deleted": n})
}

func (s *Server) companyStatus(w http.ResponseWriter, r *http.Request) {
	companyID, ok := pathID(w, r, "companyID")
	if !ok {
		return
	}
	var channelID int64
	if v := r.URL.Query().Get("channel"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			_ = response.WriteErrorWithTarget(w, http.StatusBadRequest, "Bad Request", "channel", "must be a positive integer")
			return
		}
		channelID = n
	}
	counts, err := s.store.CountByState(r.Context(), taskstore.Filter{CompanyID: companyID, ChannelID: channelID})
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	_ = response.WriteJSON(w, http.StatusOK, StatusResponse{
		CompanyID: companyID,
		ChannelID: channelID,
		Counts:    counts,
		Total:     counts.Total(),
		Done:      counts.Unfinished() == 0,
	})
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	timing := observability.StartServerTimingWithDesc(r.Context(), "stats", "task counts")
	counts, err := s.store.CountByState(r.Context(), taskstore.Filter{})
	timing.Stop()
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	body := map[string]interface{}{
		"tasks": counts,
		"total": counts.Total(),
	}
	if s.quotas != nil {
		exhausted, err := s.quotas.Exhausted(r.Context())
		if err != nil {
			s.writeStoreError(w, r, err)
			return
		}
		body["exhaustedAccounts"] = len(exhausted)
	}
	_ = response.WriteJSON(w, http.StatusOK, body)
}

func (s *Server) exhaustedQuotas(w http.ResponseWriter, r *http.Request) {
	if s.quotas == nil {
		_ = response.WriteError(w, http.StatusNotImplemented, "Not Implemented", "no quota limiter configured")
		return
	}
	accounts, err := s.quotas.Exhausted(r.Context())
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	_ = response.WriteJSON(w, http.StatusOK, map[string]interface{}{"accounts": accounts})
}

func (s *Server) setReserve(w http.ResponseWriter, r *http.Request) {
	if s.quotas == nil {
		_ = response.WriteError(w, http.StatusNotImplemented, "Not Implemented", "no quota limiter configured")
		return
	}
	var req ReserveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		_ = response.WriteError(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	key := ratelimit.AccountKey{CompanyID: req.CompanyID, ChannelID: req.ChannelID, AccountID: req.AccountID}
	if err := s.quotas.SetReserve(r.Context(), key, req.Percent, req.Until); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		_ = response.WriteErrorWithTarget(w, http.StatusBadRequest, "Bad Request", name, "must be a positive integer")
		return 0, false
	}
	return id, true
}

func (s *Server) writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, taskstore.ErrTaskNotFound):
		_ = response.WriteError(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, taskstore.ErrValidation), errors.Is(err, payload.ErrInvalid),
		errors.Is(err, ratelimit.ErrInvalidKey), errors.Is(err, ratelimit.ErrInvalidReserve):
		_ = response.WriteError(w, http.StatusBadRequest, "Bad Request", err.Error())
	default:
		s.logger.Error("statusapi: request failed", "path", r.URL.Path, "error", err)
		s.obs.Metrics().RecordError(r.Context(), "statusapi", "internal")
		_ = response.WriteError(w, http.StatusInternalServerError, "Internal Server Error", "")
	}
}
