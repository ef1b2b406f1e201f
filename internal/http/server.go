package http

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/dqhieuu/pg-explore-sub000/internal/log"
	"github.com/dqhieuu/pg-explore-sub000/internal/sandbox"
	"github.com/dqhieuu/pg-explore-sub000/internal/service"
	"github.com/dqhieuu/pg-explore-sub000/pkg/models"
	workflows "github.com/dqhieuu/pg-explore-sub000/pkg/service"
	"github.com/dqhieuu/pg-explore-sub000/pkg/storage"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const shutdownTimeout = 10 * time.Second

// StartServer serves the API on port until ctx is cancelled.
func StartServer(ctx context.Context, port string, project *service.ProjectService, notifier *service.Notifier) error {
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           NewRouter(project, notifier),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.GetLogger().Infof("Starting pg-explore server on :%s", port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	log.GetLogger().Infof("Shutting down pg-explore server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "shutdown")
	}
	return nil
}

type handler struct {
	project  *service.ProjectService
	notifier *service.Notifier
}

// NewRouter wires the API routes.
func NewRouter(project *service.ProjectService, notifier *service.Notifier) chi.Router {
	h := &handler{project: project, notifier: notifier}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(requestLogger)
	r.Use(chimw.Recoverer)

	r.Get("/health", healthHandler)

	r.Route("/databases", func(r chi.Router) {
		r.Get("/", h.listDatabases)
		r.Post("/", h.createDatabase)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.getDatabase)
			r.Delete("/", h.deleteDatabase)

			r.Get("/workflows/{type}", h.getWorkflow)
			r.Post("/workflows/{type}/steps", h.insertStep)
			r.Delete("/workflows/{type}/steps/{index}", h.removeStep)
			r.Post("/workflows/{type}/steps/{index}/move", h.moveStep)
			r.Put("/workflows/{type}/steps/{index}/file", h.bindFile)

			r.Get("/files", h.listFiles)
			r.Post("/files", h.createFile)

			r.Post("/apply", h.apply)
			r.Post("/dirty", h.markDirty)
			r.Post("/query", h.query)
		})
	})
	r.Get("/files/{id}", h.getFile)
	r.Put("/files/{id}", h.updateFile)

	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		log.GetLogger().WithFields(logrus.Fields{
			"request_id": chimw.GetReqID(r.Context()),
			"status":     ww.Status(),
			"duration":   time.Since(start).String(),
		}).Debugf("%s %s", r.Method, r.URL.Path)
	})
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, "pg-explore server is running")
}

func (h *handler) listDatabases(w http.ResponseWriter, r *http.Request) {
	dbs, err := h.project.ListDatabases()
	if err != nil {
		writeServiceError(w, "Failed to list databases", err)
		return
	}
	if dbs == nil {
		dbs = []models.Database{}
	}
	writeJSON(w, http.StatusOK, dbs)
}

func (h *handler) createDatabase(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	db, err := h.project.CreateDatabase(req.Name)
	if err != nil {
		writeServiceError(w, "Failed to create database", err)
		return
	}
	writeJSON(w, http.StatusCreated, db)
}

func (h *handler) getDatabase(w http.ResponseWriter, r *http.Request) {
	db, err := h.project.GetDatabase(chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, "Failed to get database", err)
		return
	}
	writeJSON(w, http.StatusOK, db)
}

func (h *handler) deleteDatabase(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.project.DeleteDatabase(r.Context(), id); err != nil {
		writeServiceError(w, "Failed to delete database", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "deleted": true})
}

func (h *handler) getWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := h.project.GetWorkflow(chi.URLParam(r, "id"), workflowType(r))
	if err != nil {
		writeServiceError(w, "Failed to get workflow", err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (h *handler) insertStep(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Type     models.StepType      `json:"type"`
		FileID   string               `json:"fileId"`
		Options  *models.TableOptions `json:"options"`
		Position *int                 `json:"position"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	position := -1
	if req.Position != nil {
		position = *req.Position
	}
	step := models.WorkflowStep{Type: req.Type, FileID: req.FileID, Options: req.Options}
	wf, err := h.project.InsertStep(chi.URLParam(r, "id"), workflowType(r), position, step)
	if err != nil {
		writeServiceError(w, "Failed to insert step", err)
		return
	}
	writeJSON(w, http.StatusCreated, wf)
}

func (h *handler) removeStep(w http.ResponseWriter, r *http.Request) {
	index, ok := stepIndex(w, r)
	if !ok {
		return
	}
	wf, err := h.project.RemoveStep(chi.URLParam(r, "id"), workflowType(r), index)
	if err != nil {
		writeServiceError(w, "Failed to remove step", err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (h *handler) moveStep(w http.ResponseWriter, r *http.Request) {
	index, ok := stepIndex(w, r)
	if !ok {
		return
	}
	var req struct {
		To int `json:"to"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	wf, err := h.project.MoveStep(chi.URLParam(r, "id"), workflowType(r), index, req.To)
	if err != nil {
		writeServiceError(w, "Failed to move step", err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (h *handler) bindFile(w http.ResponseWriter, r *http.Request) {
	index, ok := stepIndex(w, r)
	if !ok {
		return
	}
	var req struct {
		FileID string `json:"fileId"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	wf, err := h.project.BindFile(chi.URLParam(r, "id"), workflowType(r), index, req.FileID)
	if err != nil {
		writeServiceError(w, "Failed to bind file", err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (h *handler) listFiles(w http.ResponseWriter, r *http.Request) {
	files, err := h.project.ListFiles(chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, "Failed to list files", err)
		return
	}
	if files == nil {
		files = []models.File{}
	}
	writeJSON(w, http.StatusOK, files)
}

func (h *handler) createFile(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name    string          `json:"name"`
		Type    models.FileType `json:"type"`
		Content string          `json:"content"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	file, err := h.project.CreateFile(chi.URLParam(r, "id"), req.Name, req.Type, req.Content)
	if err != nil {
		writeServiceError(w, "Failed to create file", err)
		return
	}
	writeJSON(w, http.StatusCreated, file)
}

func (h *handler) getFile(w http.ResponseWriter, r *http.Request) {
	file, err := h.project.GetFile(chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, "Failed to get file", err)
		return
	}
	writeJSON(w, http.StatusOK, file)
}

func (h *handler) updateFile(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Content string `json:"content"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	file, err := h.project.UpdateFileContent(chi.URLParam(r, "id"), req.Content)
	if err != nil {
		writeServiceError(w, "Failed to update file", err)
		return
	}
	writeJSON(w, http.StatusOK, file)
}

// apply accepts an empty body, which applies both workflows to the end.
func (h *handler) apply(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WorkflowType *models.WorkflowType `json:"workflowType"`
		StepsToApply int                  `json:"stepsToApply"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	var target *models.ApplyTarget
	if req.WorkflowType != nil {
		target = &models.ApplyTarget{WorkflowType: *req.WorkflowType, StepsToApply: req.StepsToApply}
	}
	state, err := h.notifier.Apply(r.Context(), chi.URLParam(r, "id"), target)
	if err != nil {
		status, msg := statusFor(err)
		log.GetLogger().Errorf("Failed to apply workflow: %v", err)
		body := map[string]interface{}{"error": "Failed to apply workflow: " + msg}
		if state != nil {
			body["workflowState"] = state
		}
		writeJSON(w, status, body)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (h *handler) markDirty(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.notifier.MarkDirty(r.Context(), id); err != nil {
		writeServiceError(w, "Failed to mark workflow dirty", err)
		return
	}
	db, err := h.project.GetDatabase(id)
	if err != nil {
		writeServiceError(w, "Failed to get database", err)
		return
	}
	writeJSON(w, http.StatusOK, db.WorkflowState)
}

func (h *handler) query(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SQL string `json:"sql"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.SQL == "" {
		writeError(w, http.StatusBadRequest, "Missing 'sql' parameter")
		return
	}
	result, err := h.notifier.RunQuery(r.Context(), chi.URLParam(r, "id"), req.SQL)
	var scriptErr *sandbox.ScriptError
	if errors.As(err, &scriptErr) {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error":    scriptErr.Message,
			"code":     scriptErr.Code,
			"detail":   scriptErr.Detail,
			"hint":     scriptErr.Hint,
			"position": scriptErr.Position,
		})
		return
	}
	if err != nil {
		writeServiceError(w, "Failed to run query", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func workflowType(r *http.Request) models.WorkflowType {
	return models.WorkflowType(chi.URLParam(r, "type"))
}

func stepIndex(w http.ResponseWriter, r *http.Request) (int, bool) {
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid step index: "+chi.URLParam(r, "index"))
		return 0, false
	}
	return index, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return false
	}
	return true
}

// statusFor maps service errors to HTTP statuses.
func statusFor(err error) (int, string) {
	var validation *service.ValidationError
	switch {
	case errors.As(err, &validation), errors.Is(err, workflows.ErrInvalidTarget):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, storage.ErrStateChanged):
		return http.StatusConflict, err.Error()
	case errors.Is(err, workflows.ErrDispatcherStopped):
		return http.StatusServiceUnavailable, err.Error()
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, err.Error()
	default:
		return http.StatusInternalServerError, err.Error()
	}
}

func writeServiceError(w http.ResponseWriter, prefix string, err error) {
	status, msg := statusFor(err)
	if status >= http.StatusInternalServerError {
		log.GetLogger().Errorf("%s: %v", prefix, err)
	} else {
		log.GetLogger().Debugf("%s: %v", prefix, err)
	}
	writeError(w, status, prefix+": "+msg)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.GetLogger().Errorf("Failed to encode response: %v", err)
	}
}
