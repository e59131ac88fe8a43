package main

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/truth-pipeline/internal/config"
	"github.com/sells-group/truth-pipeline/internal/model"
	"github.com/sells-group/truth-pipeline/internal/orchestrator"
	"github.com/sells-group/truth-pipeline/internal/store"
)

type api struct {
	env       *appEnv
	maxUpload int64
	log       *zap.Logger
}

// buildRouter mounts the upload API, the rule listing, the health check and,
// when enabled, the Prometheus endpoint.
func buildRouter(env *appEnv, c *config.Config) http.Handler {
	a := &api{
		env:       env,
		maxUpload: int64(c.Server.MaxUploadMB) << 20,
		log:       zap.L().With(zap.String("component", "api")),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: c.Server.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if c.Metrics.Enabled && env.Metrics != nil {
		r.Method(http.MethodGet, c.Metrics.Path, env.Metrics.Handler())
	}

	r.Get("/rules", a.listRules)
	r.Route("/uploads", func(r chi.Router) {
		r.Post("/", a.createUpload)
		r.Get("/", a.listUploads)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", a.getUpload)
			r.Get("/observations", a.listObservations)
			r.Get("/canonicals", a.listCanonicals)
			r.Get("/executions", a.listExecutions)
			r.Post("/retry", a.retry)
			r.Post("/cancel", a.cancel)
			r.Post("/renormalize", a.renormalize)
		})
	})
	return r
}

// createUpload stores the request file in the blob store and enqueues it.
// It accepts a multipart form with a "file" part, or a raw body with the
// metadata in the query string.
func (a *api) createUpload(w http.ResponseWriter, r *http.Request) {
	if a.maxUpload > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, a.maxUpload)
	}

	in := model.NewUpload{
		EntityType:  r.URL.Query().Get("entity_type"),
		Filename:    r.URL.Query().Get("filename"),
		Charset:     r.URL.Query().Get("charset"),
		ContentType: r.Header.Get("Content-Type"),
	}
	priority := r.URL.Query().Get("priority")

	var body io.Reader = r.Body
	if mt, _, err := mime.ParseMediaType(in.ContentType); err == nil && mt == "multipart/form-data" {
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			if statusFor(err) == http.StatusRequestEntityTooLarge {
				writeError(w, http.StatusRequestEntityTooLarge, "upload exceeds the size limit")
				return
			}
			writeError(w, http.StatusBadRequest, eris.Wrap(err, "read multipart form").Error())
			return
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			writeError(w, http.StatusBadRequest, "file part is required")
			return
		}
		defer file.Close() //nolint:errcheck

		body = file
		in.Filename = header.Filename
		in.ContentType = header.Header.Get("Content-Type")
		if v := r.FormValue("entity_type"); v != "" {
			in.EntityType = v
		}
		if v := r.FormValue("charset"); v != "" {
			in.Charset = v
		}
		if v := r.FormValue("priority"); v != "" {
			priority = v
		}
	}
	if priority != "" {
		p, err := strconv.Atoi(priority)
		if err != nil {
			writeError(w, http.StatusBadRequest, "priority must be an integer")
			return
		}
		in.Priority = p
	}
	if err := a.env.Orchestrator.CheckEntityType(in.EntityType); err != nil {
		a.fail(w, err)
		return
	}

	ref, size, err := a.env.Blobs.Put(r.Context(), body)
	if err != nil {
		a.fail(w, err)
		return
	}
	in.SourceRef = ref

	u, err := a.env.Orchestrator.Submit(r.Context(), in)
	if err != nil {
		a.fail(w, err)
		return
	}
	a.log.Info("upload received",
		zap.String("upload_id", u.ID),
		zap.String("source_ref", ref),
		zap.Int64("bytes", size),
	)
	writeJSON(w, http.StatusCreated, u)
}

func (a *api) listUploads(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filter store.UploadFilter
	if s := q.Get("status"); s != "" {
		filter.Status = model.UploadStatus(s)
		if err := orchestrator.ValidateStatus(filter.Status); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	if s := q.Get("needs_review"); s != "" {
		b, err := strconv.ParseBool(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "needs_review must be a boolean")
			return
		}
		filter.NeedsReview = &b
	}
	for key, dst := range map[string]*int{"limit": &filter.Limit, "offset": &filter.Offset} {
		if s := q.Get(key); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil || n < 0 {
				writeError(w, http.StatusBadRequest, key+" must be a non-negative integer")
				return
			}
			*dst = n
		}
	}

	uploads, err := a.env.Store.ListUploads(r.Context(), filter)
	if err != nil {
		a.fail(w, err)
		return
	}
	if uploads == nil {
		uploads = []model.Upload{}
	}
	writeJSON(w, http.StatusOK, uploads)
}

func (a *api) getUpload(w http.ResponseWriter, r *http.Request) {
	u, err := a.env.Orchestrator.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (a *api) listObservations(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := a.env.Store.GetUpload(r.Context(), id); err != nil {
		a.fail(w, err)
		return
	}
	obs, err := a.env.Store.ListObservations(r.Context(), id)
	if err != nil {
		a.fail(w, err)
		return
	}
	if obs == nil {
		obs = []model.Observation{}
	}
	writeJSON(w, http.StatusOK, obs)
}

func (a *api) listCanonicals(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := a.env.Store.GetUpload(r.Context(), id); err != nil {
		a.fail(w, err)
		return
	}
	recs, err := a.env.Store.ListCanonicals(r.Context(), id)
	if err != nil {
		a.fail(w, err)
		return
	}
	if recs == nil {
		recs = []model.CanonicalRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (a *api) listExecutions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := a.env.Store.GetUpload(r.Context(), id); err != nil {
		a.fail(w, err)
		return
	}
	recs, err := a.env.Store.ListExecutions(r.Context(), id)
	if err != nil {
		a.fail(w, err)
		return
	}
	if recs == nil {
		recs = []model.ExecutionRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (a *api) retry(w http.ResponseWriter, r *http.Request) {
	u, err := a.env.Orchestrator.Retry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (a *api) cancel(w http.ResponseWriter, r *http.Request) {
	u, err := a.env.Orchestrator.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, u)
}

func (a *api) renormalize(w http.ResponseWriter, r *http.Request) {
	u, err := a.env.Orchestrator.Renormalize(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, u)
}

func (a *api) listRules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, ruleViews(a.env.Engine.Registry().Snapshot(), r.URL.Query().Get("entity")))
}

// fail maps err onto a status code and logs server-side failures.
func (a *api) fail(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		a.log.Error("request failed", zap.Error(err))
		writeError(w, code, "internal error")
		return
	}
	writeError(w, code, err.Error())
}

func statusFor(err error) int {
	var (
		invalid  *orchestrator.InvalidTransitionError
		tooLarge *http.MaxBytesError
	)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, orchestrator.ErrInvalidUpload):
		return http.StatusBadRequest
	case errors.As(err, &invalid), errors.Is(err, orchestrator.ErrClaimLost):
		return http.StatusConflict
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
