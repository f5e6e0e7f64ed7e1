package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fleepzon/apkforge/internal/config"
	forgeerrors "github.com/fleepzon/apkforge/internal/errors"
	"github.com/fleepzon/apkforge/internal/history"
	"github.com/fleepzon/apkforge/internal/job"
	"github.com/fleepzon/apkforge/internal/logfields"
	"github.com/fleepzon/apkforge/internal/queue"
	"github.com/fleepzon/apkforge/internal/store"
	"github.com/fleepzon/apkforge/internal/template"
)

const maxSearchLimit = 100

var pngSignature = []byte("\x89PNG\r\n\x1a\n")

// TemplateChecker reports template health for /healthz.
type TemplateChecker interface {
	Check() (template.Report, error)
}

// Deps are the optional collaborators of the API. Routes whose dependency
// is nil answer 503.
type Deps struct {
	Store     *store.Store
	History   *history.Store
	Templates TemplateChecker
	Metrics   http.Handler
}

type API struct {
	cfg     config.Config
	manager *queue.Manager
	deps    Deps
	limiter *clientLimiter
	mux     *http.ServeMux
}

func New(cfg config.Config, manager *queue.Manager, deps Deps) *API {
	a := &API{
		cfg:     cfg,
		manager: manager,
		deps:    deps,
		limiter: newClientLimiter(cfg.RateLimit, cfg.RateBurst),
		mux:     http.NewServeMux(),
	}
	a.routes()
	return a
}

func (a *API) Handler() http.Handler {
	return a.mux
}

func (a *API) routes() {
	a.mux.HandleFunc("GET /healthz", a.handleHealthz)
	a.mux.Handle("POST /v1/builds", a.guard(http.HandlerFunc(a.handleSubmitBuild)))
	a.mux.Handle("GET /v1/builds/{id}", a.guard(http.HandlerFunc(a.handleGetBuild)))
	a.mux.Handle("DELETE /v1/builds/{id}", a.guard(http.HandlerFunc(a.handleCancelBuild)))
	a.mux.Handle("GET /v1/builds/{id}/events", a.guard(http.HandlerFunc(a.handleGetEvents)))
	a.mux.Handle("GET /v1/builds/{id}/log", a.guard(http.HandlerFunc(a.handleGetLog)))
	a.mux.Handle("GET /v1/builds/{id}/diagnostics", a.guard(http.HandlerFunc(a.handleGetDiagnostics)))
	a.mux.Handle("GET /v1/builds/{id}/logs.zip", a.guard(http.HandlerFunc(a.handleGetLogBundle)))
	a.mux.Handle("GET /v1/apps/{packageId}", a.guard(http.HandlerFunc(a.handleGetApp)))
	a.mux.Handle("GET /v1/apps", a.guard(http.HandlerFunc(a.handleSearchApps)))
	a.mux.Handle("GET /artifacts/", a.limit(http.StripPrefix("/artifacts/", artifactServer(a.cfg.PublishRoot()))))
	if a.deps.Metrics != nil {
		a.mux.Handle("GET /metrics", a.deps.Metrics)
	}
}

// guard applies the allowlist, the token check and the per-client rate limit.
func (a *API) guard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := a.checkAllowlist(r); err != nil {
			writeJSON(w, http.StatusForbidden, map[string]string{"error": err.Error()})
			return
		}
		if err := a.checkToken(r); err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": err.Error()})
			return
		}
		a.limit(next).ServeHTTP(w, r)
	})
}

func (a *API) limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.limiter.Allow(clientKey(r)) {
			w.Header().Set("Retry-After", "1")
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) checkToken(r *http.Request) error {
	if strings.TrimSpace(a.cfg.Token) == "" {
		return nil
	}
	if strings.TrimSpace(r.Header.Get(a.cfg.AuthHeader)) != a.cfg.Token {
		return errors.New("invalid token")
	}
	return nil
}

func (a *API) checkAllowlist(r *http.Request) error {
	if !a.cfg.AllowlistEnabled() {
		return nil
	}
	ip, err := remoteIP(r.RemoteAddr)
	if err != nil {
		return err
	}
	for _, allow := range a.cfg.Allowlist {
		if allowEntryMatches(allow, ip) {
			return nil
		}
	}
	return fmt.Errorf("remote ip %s is not allowed", ip.String())
}

func (a *API) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	if a.deps.Templates == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	report, err := a.deps.Templates.Check()
	status := "ok"
	if err != nil || !report.Healthy {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": status, "template": report})
}

func (a *API) handleSubmitBuild(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, a.cfg.MaxUploadBytes)

	var (
		req    job.Request
		upload string
		err    error
	)
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		req, upload, err = a.parseMultipartRequest(r)
	} else {
		req, err = parseJSONRequest(r)
	}
	if err != nil {
		writeError(w, err)
		return
	}

	handle, err := a.manager.Submit(r.Context(), req)
	if err != nil {
		if upload != "" && a.deps.Store != nil {
			_ = a.deps.Store.RemoveUpload(upload)
		}
		writeError(w, err)
		return
	}

	state := job.StateQueued
	if rec, ok := handle.Record(); ok {
		state = rec.State
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"build_id":   handle.ID,
		"package_id": handle.PackageID,
		"state":      string(state),
	})
}

func parseJSONRequest(r *http.Request) (job.Request, error) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return job.Request{}, forgeerrors.InvalidRequest("request body too large")
		}
		return job.Request{}, forgeerrors.InvalidRequest(err.Error())
	}
	req, err := job.ParseRequest(raw)
	if err != nil {
		return job.Request{}, forgeerrors.InvalidRequest(err.Error())
	}
	if strings.TrimSpace(req.IconPath) != "" {
		return job.Request{}, forgeerrors.InvalidRequest("icon_path is not accepted over HTTP; upload the icon as the multipart field icon")
	}
	return req, nil
}

// parseMultipartRequest reads the request fields and stores an optional
// PNG icon under the uploads dir. It returns the upload id when an icon
// was stored.
func (a *API) parseMultipartRequest(r *http.Request) (job.Request, string, error) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		return job.Request{}, "", forgeerrors.InvalidRequest(err.Error())
	}
	defer r.MultipartForm.RemoveAll()

	kind, err := job.ParseOutputKind(r.FormValue("output_kind"))
	if err != nil {
		return job.Request{}, "", forgeerrors.InvalidRequest(err.Error())
	}
	req := job.Request{
		AppName:      r.FormValue("app_name"),
		PackageID:    r.FormValue("package_id"),
		TargetURL:    r.FormValue("target_url"),
		OutputKind:   kind,
		VersionName:  r.FormValue("version_name"),
		ContactEmail: r.FormValue("contact_email"),
	}
	if raw := strings.TrimSpace(r.FormValue("version_code")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return job.Request{}, "", forgeerrors.InvalidRequest("version_code must be an integer")
		}
		req.VersionCode = n
	}

	file, _, err := r.FormFile("icon")
	if errors.Is(err, http.ErrMissingFile) {
		return req, "", nil
	}
	if err != nil {
		return job.Request{}, "", forgeerrors.InvalidRequest(err.Error())
	}
	defer file.Close()
	if a.deps.Store == nil {
		return job.Request{}, "", forgeerrors.New(forgeerrors.KindInternal, "upload", "icon uploads are not configured")
	}

	head := make([]byte, len(pngSignature))
	if _, err := io.ReadFull(file, head); err != nil || !bytes.Equal(head, pngSignature) {
		return job.Request{}, "", forgeerrors.InvalidRequest("icon must be a PNG file")
	}
	uploadID := uuid.NewString()
	path, err := a.deps.Store.WriteUpload(uploadID, io.MultiReader(bytes.NewReader(head), file))
	if err != nil {
		return job.Request{}, "", forgeerrors.IO("upload", err)
	}
	req.IconPath = path
	return req, uploadID, nil
}

func (a *API) handleGetBuild(w http.ResponseWriter, r *http.Request) {
	rec, ok := a.manager.Get(r.PathValue("id"))
	if !ok {
		writeError(w, queue.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *API) handleCancelBuild(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := a.manager.Cancel(id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"build_id": id, "status": "cancelling"})
}

func (a *API) handleGetLog(w http.ResponseWriter, r *http.Request) {
	buildID := r.PathValue("id")
	var (
		raw []byte
		err error
	)
	if rawLines := strings.TrimSpace(r.URL.Query().Get("tail")); rawLines != "" {
		n, convErr := strconv.Atoi(rawLines)
		if convErr != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid tail query value"})
			return
		}
		raw, err = a.manager.ReadConsoleTail(buildID, n)
	} else {
		raw, err = a.manager.ReadConsoleLog(buildID)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
}

func (a *API) handleGetDiagnostics(w http.ResponseWriter, r *http.Request) {
	raw, err := a.manager.ReadDiagnostics(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
}

func (a *API) handleGetLogBundle(w http.ResponseWriter, r *http.Request) {
	buildID := r.PathValue("id")
	var payload bytes.Buffer
	if err := a.manager.WriteLogBundle(buildID, &payload); err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", buildID+"-logs.zip"))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload.Bytes())
}

func (a *API) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	buildID := r.PathValue("id")
	since := int64(0)
	if rawSince := strings.TrimSpace(r.URL.Query().Get("since")); rawSince != "" {
		n, err := strconv.ParseInt(rawSince, 10, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid since query value"})
			return
		}
		since = n
	}

	backlog, ch, cancel, ok := a.manager.SubscribeEvents(buildID, since)
	if !ok {
		writeError(w, queue.ErrNotFound)
		return
	}
	defer cancel()

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming unsupported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	for _, ev := range backlog {
		if err := writeSSEEvent(w, ev); err != nil {
			return
		}
		flusher.Flush()
	}
	if ch == nil {
		return
	}

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			_, _ = w.Write([]byte(": keepalive\n\n"))
			flusher.Flush()
			if rec, ok := a.manager.Get(buildID); !ok || rec.Terminal() {
				return
			}
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := writeSSEEvent(w, ev); err != nil {
				return
			}
			flusher.Flush()
			if ev.Terminal() {
				return
			}
		}
	}
}

func (a *API) handleGetApp(w http.ResponseWriter, r *http.Request) {
	if a.deps.History == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "history is not configured"})
		return
	}
	pkg := r.PathValue("packageId")
	app, err := a.deps.History.Get(r.Context(), pkg)
	if errors.Is(err, history.ErrNotFound) {
		writeJSON(w, http.StatusOK, map[string]any{"exists": false, "package_id": pkg})
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	resp := map[string]any{
		"exists":       true,
		"package_id":   app.PackageID,
		"app":          app,
		"version_name": app.VersionName,
		"version_code": app.VersionCode,
	}
	if app.APKName != "" {
		resp["apk_url"] = a.cfg.DownloadURL(app.APKName)
	}
	if app.AABName != "" {
		resp["aab_url"] = a.cfg.DownloadURL(app.AABName)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleSearchApps(w http.ResponseWriter, r *http.Request) {
	if a.deps.History == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "history is not configured"})
		return
	}
	limit := 20
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit query value"})
			return
		}
		limit = n
	}
	if limit > maxSearchLimit {
		limit = maxSearchLimit
	}
	items, err := a.deps.History.Search(r.Context(), r.URL.Query().Get("q"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if items == nil {
		items = []history.AppRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// artifactServer serves the flat publish dir without directory listings.
func artifactServer(root string) http.Handler {
	files := http.FileServer(http.Dir(root))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := r.URL.Path
		if name == "" || strings.Contains(name, "/") || strings.HasPrefix(name, ".") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
		files.ServeHTTP(w, r)
	})
}

func writeSSEEvent(w http.ResponseWriter, ev job.Event) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Type, string(raw)); err != nil {
		return err
	}
	return nil
}

// writeError maps pipeline and lookup errors to HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	body := map[string]string{"error": err.Error()}
	switch {
	case errors.Is(err, queue.ErrNotFound), errors.Is(err, store.ErrNotFound), errors.Is(err, history.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, queue.ErrFinished), errors.Is(err, queue.ErrNotComplete):
		status = http.StatusConflict
	case errors.Is(err, fs.ErrNotExist):
		status = http.StatusNotFound
	default:
		kind := forgeerrors.KindOf(err)
		body["kind"] = string(kind)
		switch kind {
		case forgeerrors.KindBusy:
			status = http.StatusConflict
		case forgeerrors.KindInvalidRequest:
			status = http.StatusBadRequest
		}
	}
	if status == http.StatusInternalServerError {
		slog.Error("Request failed", logfields.Error(err))
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func remoteIP(remoteAddr string) (net.IP, error) {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return nil, fmt.Errorf("parse remote addr: %w", err)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil, fmt.Errorf("invalid remote ip: %s", host)
	}
	return ip, nil
}

func allowEntryMatches(entry string, ip net.IP) bool {
	if strings.Contains(entry, "/") {
		_, cidr, err := net.ParseCIDR(entry)
		if err != nil {
			return false
		}
		return cidr.Contains(ip)
	}
	allowed := net.ParseIP(entry)
	if allowed == nil {
		return false
	}
	return allowed.Equal(ip)
}
