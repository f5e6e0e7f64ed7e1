package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	forgeerrors "github.com/fleepzon/apkforge/internal/errors"
	"github.com/fleepzon/apkforge/internal/history"
	"github.com/fleepzon/apkforge/internal/job"
)

const defaultAuthHeader = "X-Build-Token"

// APIError is a non-2xx answer from the server.
type APIError struct {
	Status  int
	Kind    forgeerrors.Kind
	Message string
}

func (e *APIError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("status=%d kind=%s: %s", e.Status, e.Kind, e.Message)
	}
	return fmt.Sprintf("status=%d: %s", e.Status, e.Message)
}

// Busy reports whether the server rejected the request because the package
// already has a build in flight. Such requests may be retried later.
func (e *APIError) Busy() bool {
	return e.Kind == forgeerrors.KindBusy
}

// IsBusy reports whether err is a Busy answer from the server.
func IsBusy(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Busy()
}

// AppStatus is the answer to an app existence check.
type AppStatus struct {
	Exists      bool               `json:"exists"`
	PackageID   string             `json:"package_id"`
	VersionName string             `json:"version_name,omitempty"`
	VersionCode int                `json:"version_code,omitempty"`
	APKURL      string             `json:"apk_url,omitempty"`
	AABURL      string             `json:"aab_url,omitempty"`
	App         *history.AppRecord `json:"app,omitempty"`
}

type HTTPClient struct {
	BaseURL    string
	Token      string
	AuthHeader string
	Client     *http.Client
}

// Submit sends a build request. A non-empty iconPath is uploaded as a
// multipart icon field; otherwise the request goes as JSON.
func (c *HTTPClient) Submit(ctx context.Context, req job.Request, iconPath string) (string, error) {
	var (
		body        bytes.Buffer
		contentType string
	)
	if strings.TrimSpace(iconPath) == "" {
		req.IconPath = ""
		if err := json.NewEncoder(&body).Encode(req); err != nil {
			return "", err
		}
		contentType = "application/json"
	} else {
		ct, err := writeMultipartRequest(&body, req, iconPath)
		if err != nil {
			return "", err
		}
		contentType = ct
	}

	resp, err := c.do(ctx, http.MethodPost, "/v1/builds", nil, &body, contentType)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		return "", readAPIError(resp)
	}
	var payload struct {
		BuildID string `json:"build_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", err
	}
	if payload.BuildID == "" {
		return "", fmt.Errorf("submit response missing build_id")
	}
	return payload.BuildID, nil
}

func writeMultipartRequest(body *bytes.Buffer, req job.Request, iconPath string) (string, error) {
	icon, err := os.Open(iconPath)
	if err != nil {
		return "", err
	}
	defer icon.Close()

	mw := multipart.NewWriter(body)
	fields := []struct{ k, v string }{
		{"app_name", req.AppName},
		{"package_id", req.PackageID},
		{"target_url", req.TargetURL},
		{"output_kind", string(req.OutputKind)},
		{"version_name", req.VersionName},
		{"contact_email", req.ContactEmail},
	}
	if req.VersionCode != 0 {
		fields = append(fields, struct{ k, v string }{"version_code", strconv.Itoa(req.VersionCode)})
	}
	for _, f := range fields {
		if f.v == "" {
			continue
		}
		if err := mw.WriteField(f.k, f.v); err != nil {
			return "", err
		}
	}
	fw, err := mw.CreateFormFile("icon", filepath.Base(iconPath))
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(fw, icon); err != nil {
		return "", err
	}
	if err := mw.Close(); err != nil {
		return "", err
	}
	return mw.FormDataContentType(), nil
}

func (c *HTTPClient) GetBuild(ctx context.Context, buildID string) (*job.Record, error) {
	var record job.Record
	if err := c.getJSON(ctx, path.Join("/v1/builds", buildID), nil, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

func (c *HTTPClient) Cancel(ctx context.Context, buildID string) error {
	resp, err := c.do(ctx, http.MethodDelete, path.Join("/v1/builds", buildID), nil, nil, "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		return readAPIError(resp)
	}
	return nil
}

func (c *HTTPClient) WaitForTerminal(ctx context.Context, buildID string, pollInterval time.Duration) (*job.Record, error) {
	return c.WaitForTerminalWithProgress(ctx, buildID, pollInterval, nil)
}

func (c *HTTPClient) WaitForTerminalWithProgress(
	ctx context.Context,
	buildID string,
	pollInterval time.Duration,
	onUpdate func(record *job.Record),
) (*job.Record, error) {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		record, err := c.GetBuild(ctx, buildID)
		if err != nil {
			return nil, err
		}
		if onUpdate != nil {
			onUpdate(record)
		}
		if record.Terminal() {
			return record, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *HTTPClient) GetDiagnostics(ctx context.Context, buildID string) (*job.DiagnosticsReport, error) {
	var report job.DiagnosticsReport
	if err := c.getJSON(ctx, path.Join("/v1/builds", buildID, "diagnostics"), nil, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

func (c *HTTPClient) GetLogTail(ctx context.Context, buildID string, lines int) (string, error) {
	if lines <= 0 {
		lines = 200
	}
	q := url.Values{"tail": {strconv.Itoa(lines)}}
	resp, err := c.do(ctx, http.MethodGet, path.Join("/v1/builds", buildID, "log"), q, nil, "")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", readAPIError(resp)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func (c *HTTPClient) DownloadLogBundle(ctx context.Context, buildID string, out io.Writer) error {
	resp, err := c.do(ctx, http.MethodGet, path.Join("/v1/builds", buildID, "logs.zip"), nil, nil, "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return readAPIError(resp)
	}
	_, err = io.Copy(out, resp.Body)
	return err
}

// CheckApp reports whether the server has built packageID before.
func (c *HTTPClient) CheckApp(ctx context.Context, packageID string) (*AppStatus, error) {
	var status AppStatus
	if err := c.getJSON(ctx, path.Join("/v1/apps", packageID), nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

func (c *HTTPClient) SearchApps(ctx context.Context, query string, limit int) ([]history.AppRecord, error) {
	q := url.Values{"q": {query}}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var payload struct {
		Items []history.AppRecord `json:"items"`
	}
	if err := c.getJSON(ctx, "/v1/apps", q, &payload); err != nil {
		return nil, err
	}
	return payload.Items, nil
}

func (c *HTTPClient) StreamEvents(ctx context.Context, buildID string, since int64, onEvent func(*job.Event)) error {
	var q url.Values
	if since > 0 {
		q = url.Values{"since": {strconv.FormatInt(since, 10)}}
	}
	resp, err := c.do(ctx, http.MethodGet, path.Join("/v1/builds", buildID, "events"), q, nil, "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return readAPIError(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	dataLines := make([]string, 0, 4)
	dispatch := func() error {
		if len(dataLines) == 0 {
			return nil
		}
		payload := strings.Join(dataLines, "\n")
		dataLines = dataLines[:0]
		var ev job.Event
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			return fmt.Errorf("decode sse event: %w", err)
		}
		if onEvent != nil {
			onEvent(&ev)
		}
		return nil
	}

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if err := dispatch(); err != nil {
				return err
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		if strings.HasPrefix(line, "data:") {
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			dataLines = append(dataLines, data)
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return dispatch()
}

func (c *HTTPClient) getJSON(ctx context.Context, pathPart string, query url.Values, out any) error {
	resp, err := c.do(ctx, http.MethodGet, pathPart, query, nil, "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return readAPIError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *HTTPClient) do(ctx context.Context, method, pathPart string, query url.Values, body io.Reader, contentType string) (*http.Response, error) {
	reqURL := c.buildURL(pathPart)
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	c.setAuth(req)
	return c.httpClient().Do(req)
}

func readAPIError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	apiErr := &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
	var payload struct {
		Error string `json:"error"`
		Kind  string `json:"kind"`
	}
	if json.Unmarshal(raw, &payload) == nil && payload.Error != "" {
		apiErr.Message = payload.Error
		apiErr.Kind = forgeerrors.Kind(payload.Kind)
	}
	return apiErr
}

func (c *HTTPClient) buildURL(pathPart string) string {
	base := strings.TrimRight(c.BaseURL, "/")
	if base == "" {
		base = "http://127.0.0.1:8080"
	}
	u, err := url.Parse(base)
	if err != nil {
		return base + pathPart
	}
	u.Path = path.Join(u.Path, pathPart)
	return u.String()
}

func (c *HTTPClient) httpClient() *http.Client {
	if c.Client != nil {
		return c.Client
	}
	return http.DefaultClient
}

func (c *HTTPClient) setAuth(req *http.Request) {
	header := c.AuthHeader
	if header == "" {
		header = defaultAuthHeader
	}
	if strings.TrimSpace(c.Token) != "" {
		req.Header.Set(header, c.Token)
	}
}
