// Package rest exposes the transfer queues over HTTP.
package rest

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/drivequeue/internal/logctx"
	"github.com/italolelis/drivequeue/internal/queue"
	"github.com/italolelis/drivequeue/internal/storage"
)

// AutosyncController re-enables automatic uploads for a container.
type AutosyncController interface {
	Enable(parentID string)
	Enabled(parentID string) bool
}

// AdminHandler serves the control API of the upload and download queues.
type AdminHandler struct {
	queues      map[storage.Direction]*queue.Queue
	store       storage.TransferReadRepository
	autosync    AutosyncController
	retryBudget int
	username    string
	password    string
}

type AdminOption func(*AdminHandler)

// WithBasicAuth protects every route. Empty credentials disable the check.
func WithBasicAuth(username, password string) AdminOption {
	return func(h *AdminHandler) {
		h.username = username
		h.password = password
	}
}

func WithAutosync(a AutosyncController) AdminOption {
	return func(h *AdminHandler) { h.autosync = a }
}

// WithRetryBudget sets the budget of records created through the API.
func WithRetryBudget(n int) AdminOption {
	return func(h *AdminHandler) { h.retryBudget = n }
}

func NewAdminHandler(uploads, downloads *queue.Queue, store storage.TransferReadRepository, opts ...AdminOption) *AdminHandler {
	h := &AdminHandler{
		queues: map[storage.Direction]*queue.Queue{
			storage.DirectionUpload:   uploads,
			storage.DirectionDownload: downloads,
		},
		store:       store,
		retryBudget: storage.DefaultRetryBudget,
	}

	for _, opt := range opts {
		opt(h)
	}

	return h
}

func (h *AdminHandler) Routes() http.Handler {
	r := chi.NewRouter()

	if h.username != "" {
		r.Use(h.basicAuthMiddleware)
	}

	r.Post("/uploads", h.HandleEnqueueUpload)
	r.Post("/downloads", h.HandleEnqueueDownload)

	r.Route("/transfers/{direction}/{id}", func(r chi.Router) {
		r.Get("/", h.HandleGetTransfer)
		r.Post("/cancel", h.HandleCancel)
		r.Post("/retry", h.HandleRetry)
	})

	r.Route("/containers/{direction}/{parentID}", func(r chi.Router) {
		r.Get("/outstanding", h.HandleOutstanding)
		r.Post("/cancel", h.HandleCancelAll)
		r.Post("/retry", h.HandleRetryAll)
	})

	r.Route("/queues/{direction}", func(r chi.Router) {
		r.Get("/", h.HandleQueueStatus)
		r.Post("/suspend", h.HandleSuspend)
		r.Post("/resume", h.HandleResume)
		r.Put("/parallelism", h.HandleSetParallelism)
		r.Post("/clean-errors", h.HandleCleanErrors)
	})

	r.Post("/autosync/{parentID}/enable", h.HandleEnableAutosync)

	return r
}

type transferResponse struct {
	ID            string            `json:"id"`
	Direction     storage.Direction `json:"direction"`
	ParentID      string            `json:"parent_id"`
	DriveID       string            `json:"drive_id"`
	FileID        string            `json:"file_id,omitempty"`
	Name          string            `json:"name"`
	LocalPath     string            `json:"local_path,omitempty"`
	Size          int64             `json:"size"`
	Status        storage.Status    `json:"status"`
	RetryBudget   int               `json:"retry_budget"`
	Rescheduled   bool              `json:"rescheduled"`
	RemoteLocator string            `json:"remote_locator,omitempty"`
	Error         *errorBody        `json:"error,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}

type errorBody struct {
	Kind    storage.ErrorKind `json:"kind"`
	Code    string            `json:"code,omitempty"`
	Message string            `json:"message,omitempty"`
}

func newTransferResponse(rec storage.Record) transferResponse {
	resp := transferResponse{
		ID:            rec.ID,
		Direction:     rec.Direction,
		ParentID:      rec.ParentID,
		DriveID:       rec.DriveID,
		FileID:        rec.FileID,
		Name:          rec.Name,
		LocalPath:     rec.LocalPath,
		Size:          rec.Size,
		Status:        rec.Status,
		RetryBudget:   rec.RetryBudget,
		Rescheduled:   rec.Rescheduled,
		RemoteLocator: rec.RemoteLocator,
		CreatedAt:     rec.CreatedAt,
	}

	if rec.LastError != nil {
		resp.Error = &errorBody{Kind: rec.LastError.Kind, Code: rec.LastError.Code, Message: rec.LastError.Message}
	}

	return resp
}

type uploadRequest struct {
	DriveID      string `json:"drive_id"`
	UserID       string `json:"user_id"`
	ParentID     string `json:"parent_id"`
	Name         string `json:"name"`
	LocalPath    string `json:"local_path"`
	AssetID      string `json:"asset_id"`
	RemoveSource bool   `json:"remove_source"`
	Priority     int    `json:"priority"`
}

type downloadRequest struct {
	DriveID   string `json:"drive_id"`
	UserID    string `json:"user_id"`
	ParentID  string `json:"parent_id"`
	FileID    string `json:"file_id"`
	Name      string `json:"name"`
	LocalPath string `json:"local_path"`
	Size      int64  `json:"size"`
	Priority  int    `json:"priority"`
}

// HandleEnqueueUpload queues an upload of a local file or library asset.
func (h *AdminHandler) HandleEnqueueUpload(w http.ResponseWriter, r *http.Request) {
	var req uploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)

		return
	}

	if req.ParentID == "" || req.Name == "" || (req.LocalPath == "" && req.AssetID == "") {
		http.Error(w, "parent_id, name and a local_path or asset_id are required", http.StatusBadRequest)

		return
	}

	rec := storage.NewUpload(req.DriveID, req.UserID, req.ParentID, req.Name, req.LocalPath)
	rec.AssetID = req.AssetID
	rec.RemoveSourceAfterUpload = req.RemoveSource
	rec.Priority = req.Priority
	rec.RetryBudget = h.retryBudget

	h.queues[storage.DirectionUpload].Enqueue(r.Context(), rec)

	writeJSON(w, r, http.StatusAccepted, newTransferResponse(rec))
}

// HandleEnqueueDownload queues a download of a remote file.
func (h *AdminHandler) HandleEnqueueDownload(w http.ResponseWriter, r *http.Request) {
	var req downloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)

		return
	}

	if req.FileID == "" || req.Name == "" || req.LocalPath == "" {
		http.Error(w, "file_id, name and local_path are required", http.StatusBadRequest)

		return
	}

	rec := storage.NewDownload(req.DriveID, req.UserID, req.ParentID, req.FileID, req.Name, req.LocalPath)
	rec.Size = req.Size
	rec.Priority = req.Priority
	rec.RetryBudget = h.retryBudget

	h.queues[storage.DirectionDownload].Enqueue(r.Context(), rec)

	writeJSON(w, r, http.StatusAccepted, newTransferResponse(rec))
}

func (h *AdminHandler) HandleGetTransfer(w http.ResponseWriter, r *http.Request) {
	dir, ok := h.direction(w, r)
	if !ok {
		return
	}

	rec, err := h.store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil || rec.Direction != dir {
		h.fail(w, r, notFoundOr(err))

		return
	}

	writeJSON(w, r, http.StatusOK, newTransferResponse(rec))
}

func (h *AdminHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	q, ok := h.queue(w, r)
	if !ok {
		return
	}

	if err := q.Cancel(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.fail(w, r, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *AdminHandler) HandleRetry(w http.ResponseWriter, r *http.Request) {
	q, ok := h.queue(w, r)
	if !ok {
		return
	}

	if err := q.Retry(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.fail(w, r, err)

		return
	}

	w.WriteHeader(http.StatusAccepted)
}

func (h *AdminHandler) HandleCancelAll(w http.ResponseWriter, r *http.Request) {
	q, ok := h.queue(w, r)
	if !ok {
		return
	}

	ids, err := q.CancelAll(r.Context(), storage.Container{
		DriveID:  r.URL.Query().Get("drive_id"),
		UserID:   r.URL.Query().Get("user_id"),
		ParentID: chi.URLParam(r, "parentID"),
	})
	if err != nil {
		h.fail(w, r, err)

		return
	}

	writeJSON(w, r, http.StatusOK, map[string][]string{"cancelled": ids})
}

func (h *AdminHandler) HandleRetryAll(w http.ResponseWriter, r *http.Request) {
	q, ok := h.queue(w, r)
	if !ok {
		return
	}

	n, err := q.RetryAll(r.Context(), chi.URLParam(r, "parentID"))
	if err != nil {
		h.fail(w, r, err)

		return
	}

	writeJSON(w, r, http.StatusOK, map[string]int{"retried": n})
}

func (h *AdminHandler) HandleOutstanding(w http.ResponseWriter, r *http.Request) {
	q, ok := h.queue(w, r)
	if !ok {
		return
	}

	n, err := q.Outstanding(r.Context(), chi.URLParam(r, "parentID"))
	if err != nil {
		h.fail(w, r, err)

		return
	}

	writeJSON(w, r, http.StatusOK, map[string]int{"outstanding": n})
}

type queueStatus struct {
	Direction   storage.Direction `json:"direction"`
	Suspended   bool              `json:"suspended"`
	Active      int               `json:"active"`
	Parallelism int               `json:"parallelism"`
}

// parallelismRequest sets an explicit bound, or derives one from the
// workload flags when Parallelism is zero.
type parallelismRequest struct {
	Parallelism int  `json:"parallelism"`
	Constrained bool `json:"constrained"`
	Degraded    bool `json:"degraded"`
}

func (h *AdminHandler) HandleQueueStatus(w http.ResponseWriter, r *http.Request) {
	q, ok := h.queue(w, r)
	if !ok {
		return
	}

	writeJSON(w, r, http.StatusOK, newQueueStatus(q))
}

func newQueueStatus(q *queue.Queue) queueStatus {
	return queueStatus{Direction: q.Direction(), Suspended: q.Suspended(), Active: q.Active(), Parallelism: q.Parallelism()}
}

func (h *AdminHandler) HandleSetParallelism(w http.ResponseWriter, r *http.Request) {
	q, ok := h.queue(w, r)
	if !ok {
		return
	}

	var req parallelismRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Parallelism < 0 {
		http.Error(w, "invalid request body", http.StatusBadRequest)

		return
	}

	n := req.Parallelism
	if n == 0 {
		n = queue.WorkloadParallelism(queue.Workload{Constrained: req.Constrained, Degraded: req.Degraded})
	}

	q.SetParallelism(r.Context(), n)

	writeJSON(w, r, http.StatusOK, newQueueStatus(q))
}

func (h *AdminHandler) HandleSuspend(w http.ResponseWriter, r *http.Request) {
	q, ok := h.queue(w, r)
	if !ok {
		return
	}

	q.Suspend(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

func (h *AdminHandler) HandleResume(w http.ResponseWriter, r *http.Request) {
	q, ok := h.queue(w, r)
	if !ok {
		return
	}

	if err := q.Resume(r.Context()); err != nil {
		h.fail(w, r, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *AdminHandler) HandleCleanErrors(w http.ResponseWriter, r *http.Request) {
	q, ok := h.queue(w, r)
	if !ok {
		return
	}

	n, err := q.CleanErrors(r.Context())
	if err != nil {
		h.fail(w, r, err)

		return
	}

	writeJSON(w, r, http.StatusOK, map[string]int{"cleaned": n})
}

func (h *AdminHandler) HandleEnableAutosync(w http.ResponseWriter, r *http.Request) {
	if h.autosync == nil {
		http.Error(w, "autosync is not configured", http.StatusNotFound)

		return
	}

	parentID := chi.URLParam(r, "parentID")
	h.autosync.Enable(parentID)

	writeJSON(w, r, http.StatusOK, map[string]bool{"enabled": h.autosync.Enabled(parentID)})
}

func (h *AdminHandler) direction(w http.ResponseWriter, r *http.Request) (storage.Direction, bool) {
	dir := storage.Direction(chi.URLParam(r, "direction"))
	if _, ok := h.queues[dir]; !ok {
		http.Error(w, "unknown direction "+string(dir), http.StatusNotFound)

		return "", false
	}

	return dir, true
}

func (h *AdminHandler) queue(w http.ResponseWriter, r *http.Request) (*queue.Queue, bool) {
	dir, ok := h.direction(w, r)
	if !ok {
		return nil, false
	}

	return h.queues[dir], true
}

func (h *AdminHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		http.Error(w, "transfer not found", http.StatusNotFound)

		return
	}

	logctx.LoggerFromContext(r.Context()).Error("failed to handle request", "path", r.URL.Path, "err", err)
	http.Error(w, "internal server error", http.StatusInternalServerError)
}

func notFoundOr(err error) error {
	if err == nil {
		return storage.ErrNotFound
	}

	return err
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		logctx.LoggerFromContext(r.Context()).Error("failed to encode response", "err", err)
	}
}

func (h *AdminHandler) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			http.Error(w, "invalid authorization format", http.StatusUnauthorized)

			return
		}

		if username != h.username || password != h.password {
			http.Error(w, "invalid username or password", http.StatusUnauthorized)

			return
		}

		next.ServeHTTP(w, r)
	})
}
