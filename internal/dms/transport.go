package dms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

type operation string

const (
	opLogin   operation = "login"
	opLookup  operation = "lookup"
	opCreate  operation = "create"
	opUpload  operation = "upload"
	opSession operation = "session"
	opProbe   operation = "probe"
)

// wireRequest is one logical DMS call, independent of which transport
// serves it. The payload is the v2 JSON body; legacy transports translate
// it to their own encoding.
type wireRequest struct {
	op        operation
	requestID string
	payload   any
	file      *filePayload
}

type filePayload struct {
	name string
	data []byte
}

// wireResponse carries the raw payload plus which transport produced it, so
// normalization can pick the right schema variant.
type wireResponse struct {
	status    int
	body      []byte
	transport string
}

// transport delivers wire requests to one DMS endpoint generation.
type transport interface {
	Name() string
	Supports(op operation) bool
	Attempt(ctx context.Context, req *wireRequest) (*wireResponse, error)
}

const (
	transportAPI    = "api-v2"
	transportLegacy = "legacy"

	maxErrorBodyBytes = 4096
)

// apiTransport speaks the v2 JSON API with bearer-token auth and a bounded
// retry on 429/5xx honouring Retry-After.
type apiTransport struct {
	root       string
	httpClient *http.Client
	token      func() string
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func newAPITransport(root string, client *http.Client, token func() string) *apiTransport {
	return &apiTransport{
		root:       strings.TrimRight(root, "/"),
		httpClient: client,
		token:      token,
		maxRetries: 2,
		baseDelay:  200 * time.Millisecond,
		maxDelay:   3 * time.Second,
	}
}

func (t *apiTransport) Name() string { return transportAPI }

func (t *apiTransport) Supports(operation) bool { return true }

var apiPaths = map[operation]string{
	opLogin:   "/api/v2/login",
	opLookup:  "/api/v2/subjects/lookup",
	opCreate:  "/api/v2/subjects",
	opUpload:  "/api/v2/instruments/data",
	opSession: "/api/v2/imaging/sessions",
	opProbe:   "/api/v2/ping",
}

func (t *apiTransport) Attempt(ctx context.Context, req *wireRequest) (*wireResponse, error) {
	path, ok := apiPaths[req.op]
	if !ok {
		return nil, fmt.Errorf("api transport: unknown operation %q", req.op)
	}

	var lastErr error
	for attempt := 0; attempt <= t.maxRetries; attempt++ {
		httpReq, err := t.buildRequest(ctx, path, req)
		if err != nil {
			return nil, err
		}
		resp, err := t.httpClient.Do(httpReq)
		if err != nil {
			lastErr = deliveryError("api request", err)
			if attempt < t.maxRetries {
				if waitErr := sleepContext(ctx, t.retryDelay(attempt+1, "")); waitErr != nil {
					return nil, waitErr
				}
				continue
			}
			return nil, lastErr
		}

		body, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return nil, fmt.Errorf("read api response: %w", readErr)
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			return &wireResponse{status: resp.StatusCode, body: body, transport: t.Name()}, nil
		}
		if (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500) && attempt < t.maxRetries {
			if waitErr := sleepContext(ctx, t.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return nil, waitErr
			}
			continue
		}
		return nil, statusErrorFromBody(t.Name(), req.op, resp.StatusCode, body)
	}
	return nil, lastErr
}

func (t *apiTransport) buildRequest(ctx context.Context, path string, req *wireRequest) (*http.Request, error) {
	var (
		body        io.Reader
		contentType string
	)
	switch {
	case req.file != nil:
		buf := new(bytes.Buffer)
		writer := multipart.NewWriter(buf)
		if req.payload != nil {
			meta, err := json.Marshal(req.payload)
			if err != nil {
				return nil, fmt.Errorf("encode upload metadata: %w", err)
			}
			if err := writer.WriteField("metadata", string(meta)); err != nil {
				return nil, fmt.Errorf("write upload metadata: %w", err)
			}
		}
		part, err := writer.CreateFormFile("file", req.file.name)
		if err != nil {
			return nil, fmt.Errorf("create upload part: %w", err)
		}
		if _, err := part.Write(req.file.data); err != nil {
			return nil, fmt.Errorf("write upload part: %w", err)
		}
		if err := writer.Close(); err != nil {
			return nil, fmt.Errorf("finish upload body: %w", err)
		}
		body = buf
		contentType = writer.FormDataContentType()
	case req.payload != nil:
		encoded, err := json.Marshal(req.payload)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(encoded)
		contentType = "application/json"
	}

	method := http.MethodPost
	if req.op == opProbe {
		method = http.MethodGet
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, t.root+path, body)
	if err != nil {
		return nil, fmt.Errorf("build api request: %w", err)
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	httpReq.Header.Set("Accept", "application/json")
	if req.requestID != "" {
		httpReq.Header.Set("X-Request-ID", req.requestID)
	}
	if req.op != opLogin && t.token != nil {
		if token := t.token(); token != "" {
			httpReq.Header.Set("Authorization", "Bearer "+token)
		}
	}
	return httpReq, nil
}

func (t *apiTransport) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfterSeconds(retryAfterHeader); retryAfter > 0 {
		if retryAfter > t.maxDelay {
			return t.maxDelay
		}
		return retryAfter
	}
	delay := t.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= t.maxDelay {
			return t.maxDelay
		}
	}
	return delay
}

// legacyTransport speaks the form-encoded legacy endpoint with basic auth
// on every request. It is the fallback leg, so it never retries itself.
type legacyTransport struct {
	root       string
	httpClient *http.Client
	username   string
	password   string
}

func newLegacyTransport(root string, client *http.Client, username, password string) *legacyTransport {
	return &legacyTransport{
		root:       strings.TrimRight(root, "/"),
		httpClient: client,
		username:   username,
		password:   password,
	}
}

func (t *legacyTransport) Name() string { return transportLegacy }

func (t *legacyTransport) Supports(op operation) bool {
	switch op {
	// Login and imaging sessions exist only on the v2 API; the legacy
	// endpoint authenticates per request and predates imaging support.
	case opLogin, opSession:
		return false
	default:
		return true
	}
}

var legacyPaths = map[operation]string{
	opLookup: "/lookup_candidates.php",
	opCreate: "/create_candidate.php",
	opUpload: "/upload_instrument.php",
	opProbe:  "/ping.php",
}

func (t *legacyTransport) Attempt(ctx context.Context, req *wireRequest) (*wireResponse, error) {
	path, ok := legacyPaths[req.op]
	if !ok {
		return nil, fmt.Errorf("legacy transport: unsupported operation %q", req.op)
	}

	var (
		body        io.Reader
		contentType string
	)
	fields := legacyFields(req.payload)
	switch {
	case req.file != nil:
		buf := new(bytes.Buffer)
		writer := multipart.NewWriter(buf)
		for key, value := range fields {
			if err := writer.WriteField(key, value); err != nil {
				return nil, fmt.Errorf("write legacy field: %w", err)
			}
		}
		part, err := writer.CreateFormFile("userfile", req.file.name)
		if err != nil {
			return nil, fmt.Errorf("create legacy upload part: %w", err)
		}
		if _, err := part.Write(req.file.data); err != nil {
			return nil, fmt.Errorf("write legacy upload part: %w", err)
		}
		if err := writer.Close(); err != nil {
			return nil, fmt.Errorf("finish legacy upload body: %w", err)
		}
		body = buf
		contentType = writer.FormDataContentType()
	case len(fields) > 0:
		values := url.Values{}
		for key, value := range fields {
			values.Set(key, value)
		}
		body = strings.NewReader(values.Encode())
		contentType = "application/x-www-form-urlencoded"
	}

	method := http.MethodPost
	if req.op == opProbe {
		method = http.MethodGet
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, t.root+path, body)
	if err != nil {
		return nil, fmt.Errorf("build legacy request: %w", err)
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	httpReq.SetBasicAuth(t.username, t.password)
	if req.requestID != "" {
		httpReq.Header.Set("X-Request-ID", req.requestID)
	}

	resp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return nil, deliveryError("legacy request", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read legacy response: %w", err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return &wireResponse{status: resp.StatusCode, body: payload, transport: t.Name()}, nil
	}
	return nil, statusErrorFromBody(t.Name(), req.op, resp.StatusCode, payload)
}

// legacyFields flattens the v2 payload structs into the flat form fields
// the legacy endpoint expects. New payload kinds must be added here.
func legacyFields(payload any) map[string]string {
	switch p := payload.(type) {
	case nil:
		return nil
	case lookupRequest:
		return map[string]string{"external_ids": strings.Join(p.ExternalIDs, ",")}
	case createRequest:
		fields := map[string]string{
			"pscid":   p.ExternalID,
			"study":   p.Collection,
			"project": p.Project,
		}
		if p.Sex != "" {
			fields["sex"] = p.Sex
		}
		if p.DateOfBirth != "" {
			fields["dob"] = p.DateOfBirth
		}
		return fields
	case uploadRequest:
		return map[string]string{
			"instrument": p.Instrument,
			"mode":       p.Mode,
			"study":      p.Collection,
			"project":    p.Project,
		}
	default:
		return nil
	}
}

func statusErrorFromBody(transportName string, op operation, status int, body []byte) error {
	message := strings.TrimSpace(string(truncate(body, maxErrorBodyBytes)))
	code := ""
	var parsed struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(body, &parsed) == nil {
		code = parsed.Code
		if m := strings.TrimSpace(parsed.Message); m != "" {
			message = m
		} else if m := strings.TrimSpace(parsed.Error); m != "" {
			message = m
		}
	}
	if status == http.StatusConflict {
		return &ConflictError{
			Transport: transportName,
			Operation: string(op),
			Code:      code,
			Message:   message,
		}
	}
	return &StatusError{
		Transport:  transportName,
		Operation:  string(op),
		StatusCode: status,
		Code:       code,
		Message:    message,
	}
}

func truncate(data []byte, limit int) []byte {
	if len(data) <= limit {
		return data
	}
	return data[:limit]
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
