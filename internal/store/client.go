package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/clinic-ops/patientflow/internal/flow"
	apperrors "github.com/clinic-ops/patientflow/internal/shared/errors"
	"github.com/clinic-ops/patientflow/internal/shared/metrics"
)

// maxErrorBody bounds how much of a failed response is kept in the error.
const maxErrorBody = 512

// Config holds configuration for the store client
type Config struct {
	BaseURL           string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
}

// Client is the HTTP implementation of Store.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     zerolog.Logger
}

var _ Store = (*Client)(nil)

// New creates a store client. A zero RequestsPerSecond disables the
// outbound limiter.
func New(cfg Config, logger zerolog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	return &Client{
		baseURL:    cfg.BaseURL,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(limit, burst),
		logger:     logger.With().Str("component", "store").Logger(),
	}
}

// ListAppointments returns every appointment. Date filtering is done by the
// caller because the store ignores date parameters.
func (c *Client) ListAppointments(ctx context.Context) ([]flow.Appointment, error) {
	var resp appointmentsResponse
	if err := c.do(ctx, "list_appointments", http.MethodGet, "/appointments", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Appointments, nil
}

// UpdateAppointment applies a data-repair correction.
func (c *Client) UpdateAppointment(ctx context.Context, id string, patch AppointmentPatch) error {
	if id == "" {
		return apperrors.BadRequest("appointment id is required")
	}
	return c.do(ctx, "update_appointment", http.MethodPut, "/appointments/"+url.PathEscape(id), patch, nil)
}

// ListQueue reads one stage collection. Every returned item has Stage set.
func (c *Client) ListQueue(ctx context.Context, stage flow.Stage, filter ListFilter) ([]flow.QueueItem, error) {
	if !stage.Valid() {
		return nil, apperrors.BadRequest(fmt.Sprintf("unknown stage %q", stage))
	}

	q := url.Values{}
	if filter.Status != "" {
		q.Set("status", string(filter.Status))
	}
	if filter.RegistrationID != "" {
		q.Set("registrationId", filter.RegistrationID)
	}
	path := "/queue/" + string(stage)
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var resp itemsResponse
	if err := c.do(ctx, "list_"+string(stage), http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	for i := range resp.Items {
		resp.Items[i].Stage = stage
	}
	return resp.Items, nil
}

// CreateQueueItem inserts a waiting item and returns its id. The id is empty
// when the store doesn't echo the created record.
func (c *Client) CreateQueueItem(ctx context.Context, stage flow.Stage, item NewQueueItem) (string, error) {
	if !stage.Valid() {
		return "", apperrors.BadRequest(fmt.Sprintf("unknown stage %q", stage))
	}

	var resp createdResponse
	if err := c.do(ctx, "create_"+string(stage), http.MethodPost, "/queue/"+string(stage), item, &resp); err != nil {
		return "", err
	}
	return resp.identifier(), nil
}

// UpdateQueueItem updates one item in place.
func (c *Client) UpdateQueueItem(ctx context.Context, stage flow.Stage, id string, update QueueUpdate) error {
	if !stage.Valid() {
		return apperrors.BadRequest(fmt.Sprintf("unknown stage %q", stage))
	}
	if id == "" {
		return apperrors.BadRequest("queue id is required")
	}
	return c.do(ctx, "update_"+string(stage), http.MethodPut, itemPath(stage, id), update, nil)
}

// DeleteQueueItem cancels one item.
func (c *Client) DeleteQueueItem(ctx context.Context, stage flow.Stage, id string) error {
	if !stage.Valid() {
		return apperrors.BadRequest(fmt.Sprintf("unknown stage %q", stage))
	}
	if id == "" {
		return apperrors.BadRequest("queue id is required")
	}
	return c.do(ctx, "delete_"+string(stage), http.MethodDelete, itemPath(stage, id), nil, nil)
}

// RecallToOPD moves a doctor-stage patient back to OPD.
func (c *Client) RecallToOPD(ctx context.Context, req RecallRequest) error {
	return c.do(ctx, "recall_to_opd", http.MethodPost, "/queue/recall-to-opd", req, nil)
}

// RecallToReception moves an OPD-stage patient back to reception.
func (c *Client) RecallToReception(ctx context.Context, req RecallRequest) error {
	return c.do(ctx, "recall_to_reception", http.MethodPost, "/queue/recall-to-reception", req, nil)
}

func itemPath(stage flow.Stage, id string) string {
	return "/queue/" + string(stage) + "/" + url.PathEscape(id)
}

// do performs one rate-limited request. A non-2xx answer becomes an
// upstream AppError carrying a prefix of the body. out may be nil.
func (c *Client) do(ctx context.Context, op, method, path string, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%s: waiting for rate limiter: %w", op, err)
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: encoding request: %w", op, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("%s: building request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.RecordStoreRequest(op, 0, time.Since(start))
		c.logger.Debug().Err(err).Str("op", op).Msg("store request failed")
		return apperrors.Upstream(op, 0, err.Error())
	}
	defer resp.Body.Close()
	metrics.RecordStoreRequest(op, resp.StatusCode, time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		c.logger.Debug().
			Str("op", op).
			Int("status", resp.StatusCode).
			Msg("store rejected request")
		if resp.StatusCode == http.StatusNotFound {
			appErr := apperrors.Upstream(op, resp.StatusCode, string(raw))
			appErr.Err = fmt.Errorf("%w: %w", apperrors.ErrUpstream, apperrors.ErrNotFound)
			return appErr
		}
		return apperrors.Upstream(op, resp.StatusCode, string(raw))
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return apperrors.Upstream(op, resp.StatusCode, err.Error())
	}
	// Mutations may answer 204 or an empty body.
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%s: decoding response: %w", op, err)
	}
	return nil
}
