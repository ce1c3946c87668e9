package frontend

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"

	"github.com/moratsam/imgqueue/jobstore"
	"github.com/moratsam/imgqueue/submitter"
	"github.com/moratsam/imgqueue/tracker"
	"github.com/moratsam/imgqueue/transform"
)

//go:generate mockgen -package mocks -destination mocks/mocks.go github.com/moratsam/imgqueue/frontend JobSubmitter,JobTracker,Pinger

const (
	indexEndpoint    = "/"
	healthEndpoint   = "/health"
	jobsEndpoint     = "/jobs"
	jobEndpoint      = "/jobs/{job_id}"
	downloadEndpoint = "/jobs/{job_id}/download"

	fileField      = "file"
	operationField = "operation"

	defaultListLimit = 50
	maxListLimit     = 500
)

// JobSubmitter defines the API for submitting image jobs.
type JobSubmitter interface {
	Submit(ctx context.Context, image []byte, op jobstore.Operation) (string, error)
}

// JobTracker defines the API for querying submitted jobs.
type JobTracker interface {
	Status(ctx context.Context, id string) (*tracker.JobView, error)
	Download(ctx context.Context, id string) (io.ReadCloser, error)
	List(ctx context.Context, limit int) ([]*tracker.JobView, error)
}

// Pinger is implemented by dependencies that can report whether they are
// reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Frontend exposes the job API over HTTP.
type Frontend struct {
	cfg    Config
	router *mux.Router
}

// NewFrontend creates a new front-end instance with the specified config.
func NewFrontend(cfg Config) (*Frontend, error) {
	if err := cfg.validate(); err != nil {
		return nil, xerrors.Errorf("front-end service: config validation failed: %w", err)
	}

	f := &Frontend{
		router: mux.NewRouter(),
		cfg:    cfg,
	}

	f.router.HandleFunc(indexEndpoint, f.renderIndex).Methods("GET")
	f.router.HandleFunc(healthEndpoint, f.renderHealth).Methods("GET")
	f.router.HandleFunc(jobsEndpoint, f.submitJob).Methods("POST")
	f.router.HandleFunc(jobsEndpoint, f.listJobs).Methods("GET")
	f.router.HandleFunc(jobEndpoint, f.renderJobStatus).Methods("GET")
	f.router.HandleFunc(downloadEndpoint, f.downloadResult).Methods("GET")
	f.router.NotFoundHandler = http.HandlerFunc(f.render404)
	f.router.MethodNotAllowedHandler = http.HandlerFunc(f.render405)
	return f, nil
}

// Serve requests until ctx is cancelled.
func (f *Frontend) Serve(ctx context.Context) error {
	l, err := net.Listen("tcp", f.cfg.ListenAddr)
	if err != nil {
		return err
	}
	defer func() { _ = l.Close() }()

	srv := &http.Server{
		Addr:    f.cfg.ListenAddr,
		Handler: f.router,
	}

	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()

	if err = srv.Serve(l); err == http.ErrServerClosed {
		// Ignore error when the server shuts down.
		err = nil
	}

	return err
}

type operationInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (f *Frontend) renderIndex(w http.ResponseWriter, _ *http.Request) {
	var ops []operationInfo
	for _, name := range transform.Operations() {
		desc, _ := transform.Describe(name)
		ops = append(ops, operationInfo{Name: name, Description: desc})
	}
	f.writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":    "Image processing API",
		"status":     "running",
		"operations": ops,
	})
}

type healthResponse struct {
	APIStatus    string            `json:"api_status"`
	Dependencies map[string]string `json:"dependencies,omitempty"`
}

// renderHealth pings every configured dependency and responds with 503 if
// any of them is unreachable.
func (f *Frontend) renderHealth(w http.ResponseWriter, r *http.Request) {
	res := healthResponse{APIStatus: "healthy"}
	status := http.StatusOK

	names := make([]string, 0, len(f.cfg.Dependencies))
	for name := range f.cfg.Dependencies {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if res.Dependencies == nil {
			res.Dependencies = make(map[string]string, len(names))
		}
		ctx, cancelFn := context.WithTimeout(r.Context(), f.cfg.HealthCheckTimeout)
		err := f.cfg.Dependencies[name].Ping(ctx)
		cancelFn()
		if err != nil {
			f.cfg.Logger.WithFields(logrus.Fields{"dependency": name, "err": err}).Warn("health check failed")
			res.Dependencies[name] = "unavailable: " + err.Error()
			res.APIStatus = "degraded"
			status = http.StatusServiceUnavailable
			continue
		}
		res.Dependencies[name] = "ok"
	}
	f.writeJSON(w, status, res)
}

func (f *Frontend) render404(w http.ResponseWriter, _ *http.Request) {
	f.writeError(w, http.StatusNotFound, "not found")
}

func (f *Frontend) render405(w http.ResponseWriter, _ *http.Request) {
	f.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

type submitResponse struct {
	JobID       string `json:"job_id"`
	Status      string `json:"status"`
	StatusURL   string `json:"status_url"`
	DownloadURL string `json:"download_url"`
}

func (f *Frontend) submitJob(w http.ResponseWriter, r *http.Request) {
	if r.ContentLength > f.cfg.MaxUploadBytes {
		f.writeError(w, http.StatusRequestEntityTooLarge, "upload too large")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, f.cfg.MaxUploadBytes)

	image, op, err := parseSubmission(r)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if xerrors.As(err, &tooLarge) {
			f.writeError(w, http.StatusRequestEntityTooLarge, "upload too large")
			return
		}
		f.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id, err := f.cfg.Submitter.Submit(r.Context(), image, op)
	if xerrors.Is(err, submitter.ErrInvalidInput) {
		f.writeError(w, http.StatusBadRequest, err.Error())
		return
	} else if err != nil {
		f.cfg.Logger.WithField("err", err).Error("unable to submit job")
		f.writeError(w, http.StatusInternalServerError, "unable to submit job; please try again later")
		return
	}

	f.writeJSON(w, http.StatusAccepted, submitResponse{
		JobID:       id,
		Status:      tracker.StatusProcessing,
		StatusURL:   jobURL(id),
		DownloadURL: downloadURL(id),
	})
}

// parseSubmission extracts the image and the operation from a multipart
// form. Every form value other than the operation is a parameter.
func parseSubmission(r *http.Request) ([]byte, jobstore.Operation, error) {
	var op jobstore.Operation
	if err := r.ParseMultipartForm(1 << 20); err != nil {
		return nil, op, xerrors.Errorf("malformed upload: %w", err)
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, _, err := r.FormFile(fileField)
	if err != nil {
		return nil, op, xerrors.Errorf("missing %q form field", fileField)
	}
	defer func() { _ = file.Close() }()
	image, err := io.ReadAll(file)
	if err != nil {
		return nil, op, xerrors.Errorf("malformed upload: %w", err)
	}

	if values := r.MultipartForm.Value[operationField]; len(values) > 0 {
		op.Name = values[0]
	}
	for name, values := range r.MultipartForm.Value {
		if name == operationField || len(values) == 0 {
			continue
		}
		if op.Params == nil {
			op.Params = make(map[string]string)
		}
		op.Params[name] = values[0]
	}
	return image, op, nil
}

type jobResult struct {
	OriginalSize     int64   `json:"original_size"`
	ResultSize       int64   `json:"result_size"`
	SizeReductionPct float64 `json:"size_reduction_pct"`
	DownloadURL      string  `json:"download_url"`
}

type jobStatusResponse struct {
	JobID       string            `json:"job_id"`
	Status      string            `json:"status"`
	Operation   string            `json:"operation"`
	Parameters  map[string]string `json:"parameters,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	Result      *jobResult        `json:"result,omitempty"`
	Error       string            `json:"error,omitempty"`
}

func (f *Frontend) renderJobStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["job_id"]
	view, err := f.cfg.Tracker.Status(r.Context(), id)
	if xerrors.Is(err, tracker.ErrNotFound) {
		f.writeError(w, http.StatusNotFound, "job not found")
		return
	} else if err != nil {
		f.cfg.Logger.WithFields(logrus.Fields{"job_id": id, "err": err}).Error("unable to fetch job status")
		f.writeError(w, http.StatusInternalServerError, "unable to fetch job status; please try again later")
		return
	}
	f.writeJSON(w, http.StatusOK, statusResponse(view))
}

type listResponse struct {
	Jobs  []jobStatusResponse `json:"jobs"`
	Total int                 `json:"total"`
}

func (f *Frontend) listJobs(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxListLimit {
			f.writeError(w, http.StatusBadRequest, fmt.Sprintf("limit must be an integer between 1 and %d", maxListLimit))
			return
		}
		limit = n
	}

	views, err := f.cfg.Tracker.List(r.Context(), limit)
	if err != nil {
		f.cfg.Logger.WithField("err", err).Error("unable to list jobs")
		f.writeError(w, http.StatusInternalServerError, "unable to list jobs; please try again later")
		return
	}

	res := listResponse{Jobs: make([]jobStatusResponse, 0, len(views)), Total: len(views)}
	for _, view := range views {
		res.Jobs = append(res.Jobs, statusResponse(view))
	}
	f.writeJSON(w, http.StatusOK, res)
}

func statusResponse(view *tracker.JobView) jobStatusResponse {
	res := jobStatusResponse{
		JobID:      view.JobID,
		Status:     view.Status,
		Operation:  view.Operation.Name,
		Parameters: view.Operation.Params,
		CreatedAt:  view.CreatedAt,
		Error:      view.Error,
	}
	if !view.CompletedAt.IsZero() {
		completedAt := view.CompletedAt
		res.CompletedAt = &completedAt
	}
	if view.Result != nil {
		res.Result = &jobResult{
			OriginalSize:     view.Result.OriginalSize,
			ResultSize:       view.Result.ResultSize,
			SizeReductionPct: view.Result.SizeReduction,
			DownloadURL:      downloadURL(view.JobID),
		}
	}
	return res
}

func (f *Frontend) downloadResult(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["job_id"]
	rc, err := f.cfg.Tracker.Download(r.Context(), id)
	switch {
	case xerrors.Is(err, tracker.ErrNotFound):
		f.writeError(w, http.StatusNotFound, "result not found")
		return
	case xerrors.Is(err, tracker.ErrNotReady):
		f.writeError(w, http.StatusConflict, "job has not completed yet")
		return
	case err != nil:
		f.cfg.Logger.WithFields(logrus.Fields{"job_id": id, "err": err}).Error("unable to fetch job result")
		f.writeError(w, http.StatusInternalServerError, "unable to fetch job result; please try again later")
		return
	}
	defer func() { _ = rc.Close() }()

	w.Header().Set("Content-Type", transform.OutputContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.jpg"`, id))
	if _, err = io.Copy(w, rc); err != nil {
		f.cfg.Logger.WithFields(logrus.Fields{"job_id": id, "err": err}).Warn("result download interrupted")
	}
}

func (f *Frontend) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		f.cfg.Logger.WithField("err", err).Warn("unable to write response")
	}
}

func (f *Frontend) writeError(w http.ResponseWriter, status int, msg string) {
	f.writeJSON(w, status, map[string]string{"error": msg})
}

func jobURL(id string) string      { return "/jobs/" + id }
func downloadURL(id string) string { return "/jobs/" + id + "/download" }
