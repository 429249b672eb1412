package dms

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"intake/internal/config"
	"intake/internal/logging"
	"intake/internal/services"
)

// Options configure a Client. BaseURL is the v2 API root; LegacyURL is the
// optional form endpoint used as a fallback when the API leg fails.
type Options struct {
	BaseURL    string
	LegacyURL  string
	Username   string
	Password   string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client talks to the data management service over an ordered transport
// chain. Methods try each transport that supports the operation in order
// and stop early on definitive answers.
type Client struct {
	username string
	password string
	logger   *slog.Logger

	api    *apiTransport
	legacy *legacyTransport

	mu          sync.Mutex
	token       string
	apiDisabled bool
}

// New builds a client from explicit options.
func New(opts Options) (*Client, error) {
	if opts.BaseURL == "" && opts.LegacyURL == "" {
		return nil, services.Wrap(services.ErrConfiguration, "dms", "new", "no endpoint configured", nil)
	}
	if opts.Username == "" || opts.Password == "" {
		return nil, services.Wrap(services.ErrConfiguration, "dms", "new", "credentials missing", nil)
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	client := &Client{
		username: opts.Username,
		password: opts.Password,
		logger:   logging.NewComponentLogger(opts.Logger, "dms"),
	}
	if opts.BaseURL != "" {
		client.api = newAPITransport(opts.BaseURL, httpClient, client.currentToken)
	}
	if opts.LegacyURL != "" {
		client.legacy = newLegacyTransport(opts.LegacyURL, httpClient, opts.Username, opts.Password)
	}
	return client, nil
}

// FromConfig builds a client from the loaded configuration.
func FromConfig(cfg *config.Config, logger *slog.Logger) (*Client, error) {
	return New(Options{
		BaseURL:   cfg.DMS.BaseURL,
		LegacyURL: cfg.DMS.LegacyURL,
		Username:  cfg.DMS.Username,
		Password:  cfg.DMS.Password,
		Timeout:   time.Duration(cfg.DMS.RequestTimeout) * time.Second,
		Logger:    logger,
	})
}

func (c *Client) currentToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

func (c *Client) setToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

func (c *Client) disableAPI() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.apiDisabled = true
}

func (c *Client) apiEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.api != nil && !c.apiDisabled
}

// Authenticate obtains a session token from the v2 API. Rejected
// credentials are fatal. When the API endpoint is unreachable and a legacy
// endpoint is configured, the client degrades to legacy-only operation
// instead of failing the run.
func (c *Client) Authenticate(ctx context.Context) error {
	if c.api == nil {
		if c.legacy == nil {
			return services.Wrap(services.ErrConfiguration, "dms", "authenticate", "no endpoint configured", nil)
		}
		c.logger.InfoContext(ctx, "no API endpoint configured, using legacy transport only")
		return nil
	}

	resp, err := c.api.Attempt(ctx, &wireRequest{
		op:        opLogin,
		requestID: uuid.NewString(),
		payload:   loginRequest{Username: c.username, Password: c.password},
	})
	if err != nil {
		if errors.Is(err, services.ErrAuth) {
			return services.Wrap(services.ErrAuth, "dms", "authenticate", "credentials rejected", err)
		}
		if c.legacy != nil {
			c.disableAPI()
			c.logger.WarnContext(ctx, "API login failed, degrading to legacy transport",
				logging.Error(err))
			return nil
		}
		return services.Wrap(services.ErrTransient, "dms", "authenticate", "login request failed", err)
	}

	token, err := decodeLogin(resp)
	if err != nil {
		return services.Wrap(services.ErrTransient, "dms", "authenticate", "malformed login response", err)
	}
	c.setToken(token)
	c.logger.DebugContext(ctx, "authenticated against API")
	return nil
}

// transportsFor returns the transports to try for an operation, in order.
func (c *Client) transportsFor(op operation) []transport {
	chain := make([]transport, 0, 2)
	if c.apiEnabled() && c.api.Supports(op) {
		chain = append(chain, c.api)
	}
	if c.legacy != nil && c.legacy.Supports(op) {
		chain = append(chain, c.legacy)
	}
	return chain
}

// attempt runs one logical request against the transport chain. Definitive
// errors surface immediately; transport failures accumulate, and when every
// leg fails the caller gets a FallbackError describing each attempt.
func (c *Client) attempt(ctx context.Context, req *wireRequest) (*wireResponse, error) {
	chain := c.transportsFor(req.op)
	if len(chain) == 0 {
		return nil, services.Wrap(services.ErrConfiguration, "dms", string(req.op), "no transport supports operation", nil)
	}
	if req.requestID == "" {
		req.requestID = uuid.NewString()
	}

	attempts := make([]Attempt, 0, len(chain))
	for i, leg := range chain {
		resp, err := leg.Attempt(ctx, req)
		if err == nil {
			if i > 0 {
				c.logger.WarnContext(ctx, "operation served by fallback transport",
					logging.String("operation", string(req.op)),
					logging.String("transport", leg.Name()))
			}
			return resp, nil
		}
		if definitive(err) || ctx.Err() != nil {
			return nil, err
		}
		attempts = append(attempts, Attempt{Transport: leg.Name(), Err: err})
		if i < len(chain)-1 {
			c.logger.WarnContext(ctx, "transport failed, trying next",
				logging.String("operation", string(req.op)),
				logging.String("transport", leg.Name()),
				logging.Error(err))
		}
	}
	return nil, &FallbackError{Operation: string(req.op), Attempts: attempts}
}

// LookupBatch resolves a batch of external IDs in one call. The result has
// one row per requested ID, in request order.
func (c *Client) LookupBatch(ctx context.Context, externalIDs []string) ([]LookupRow, error) {
	if len(externalIDs) == 0 {
		return nil, nil
	}
	resp, err := c.attempt(ctx, &wireRequest{
		op:      opLookup,
		payload: lookupRequest{ExternalIDs: externalIDs},
	})
	if err != nil {
		return nil, err
	}
	return decodeLookup(resp, externalIDs)
}

// LookupOne resolves a single external ID.
func (c *Client) LookupOne(ctx context.Context, externalID string) (LookupRow, error) {
	rows, err := c.LookupBatch(ctx, []string{externalID})
	if err != nil {
		return LookupRow{}, err
	}
	if len(rows) == 0 {
		return LookupRow{ExternalID: externalID}, nil
	}
	return rows[0], nil
}

// NewSubject describes a subject registration request.
type NewSubject struct {
	ExternalID  string
	Collection  string
	Project     string
	Sex         string
	DateOfBirth string
}

// CreateSubject registers a subject and returns the internal ID the server
// minted. A conflict surfaces as a typed error matching
// services.ErrConflict, never as a success.
func (c *Client) CreateSubject(ctx context.Context, subject NewSubject) (string, error) {
	if subject.ExternalID == "" {
		return "", services.Wrap(services.ErrValidation, "dms", "create", "external ID required", nil)
	}
	resp, err := c.attempt(ctx, &wireRequest{
		op: opCreate,
		payload: createRequest{
			ExternalID:  subject.ExternalID,
			Collection:  subject.Collection,
			Project:     subject.Project,
			Sex:         subject.Sex,
			DateOfBirth: subject.DateOfBirth,
		},
	})
	if err != nil {
		return "", err
	}
	return decodeCreate(resp)
}

// InstrumentUpload describes one instrument data file to push.
type InstrumentUpload struct {
	Instrument string
	Mode       string
	FileName   string
	Data       []byte
	Collection string
	Project    string
}

// UploadInstrument pushes an instrument data file. The server may report
// failure inside a 200 response, so callers must check UploadResult.OK.
func (c *Client) UploadInstrument(ctx context.Context, upload InstrumentUpload) (*UploadResult, error) {
	if upload.FileName == "" || len(upload.Data) == 0 {
		return nil, services.Wrap(services.ErrValidation, "dms", "upload", "file name and data required", nil)
	}
	resp, err := c.attempt(ctx, &wireRequest{
		op: opUpload,
		payload: uploadRequest{
			Instrument: upload.Instrument,
			Mode:       upload.Mode,
			Collection: upload.Collection,
			Project:    upload.Project,
		},
		file: &filePayload{name: upload.FileName, data: upload.Data},
	})
	if err != nil {
		return nil, err
	}
	return decodeUpload(resp)
}

// ImagingSession describes an archived imaging study to register.
type ImagingSession struct {
	InternalID  string
	StudyDate   string
	Description string
	ArchivePath string
	FileCount   int
	ByteSize    int64
}

// RegisterImagingSession records an archived study against a subject and
// returns the session ID. Sessions exist only on the v2 API.
func (c *Client) RegisterImagingSession(ctx context.Context, session ImagingSession) (string, error) {
	if session.InternalID == "" {
		return "", services.Wrap(services.ErrValidation, "dms", "session", "internal ID required", nil)
	}
	resp, err := c.attempt(ctx, &wireRequest{
		op: opSession,
		payload: sessionRequest{
			InternalID:  session.InternalID,
			StudyDate:   session.StudyDate,
			Description: session.Description,
			ArchivePath: session.ArchivePath,
			FileCount:   session.FileCount,
			ByteSize:    session.ByteSize,
		},
	})
	if err != nil {
		return "", err
	}
	return decodeSession(resp)
}

// Probe checks that at least one transport answers. Used by preflight.
func (c *Client) Probe(ctx context.Context) error {
	_, err := c.attempt(ctx, &wireRequest{op: opProbe})
	if err != nil {
		return fmt.Errorf("service unreachable: %w", err)
	}
	return nil
}
