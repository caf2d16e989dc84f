// Package backend is the client of the Salus REST API, from which the
// reminder service reads prescriptions, appointments and users.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/salus/reminders/internal/reminder"
)

// Config configures a Client.
type Config struct {
	BaseURL string
	Timeout time.Duration
	// ServiceToken authenticates requests made outside a user session,
	// such as address lookups by the dispatcher.
	ServiceToken      string
	RequestsPerSecond float64
	Burst             int
	Location          *time.Location
	Logger            zerolog.Logger
}

// Client is the shared HTTP client for all backend endpoints.
type Client struct {
	httpClient   *http.Client
	baseURL      string
	serviceToken string
	limiter      *rate.Limiter
	loc          *time.Location
	logger       zerolog.Logger
}

func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	return &Client{
		httpClient:   &http.Client{Timeout: cfg.Timeout},
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		serviceToken: cfg.ServiceToken,
		limiter:      rate.NewLimiter(limit, cfg.Burst),
		loc:          cfg.Location,
		logger:       cfg.Logger,
	}
}

// Session carries one user's bearer token across backend calls. The backend
// may answer with a fresh token in the Authorization header; the session
// keeps the latest one.
type Session struct {
	c         *Client
	mu        sync.Mutex
	token     string
	refreshed bool
}

// Session starts a session authenticated with token.
func (c *Client) Session(token string) *Session {
	return &Session{c: c, token: token}
}

// Token returns the current token and whether the backend refreshed it.
func (s *Session) Token() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token, s.refreshed
}

func (s *Session) do(ctx context.Context, method, path string, in, out any) error {
	if err := s.c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}

	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token, _ := s.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := s.c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w: %w", method, path, ErrUnreachable, err)
	}
	defer resp.Body.Close()

	if auth := resp.Header.Get("Authorization"); auth != "" {
		s.mu.Lock()
		s.token = strings.TrimPrefix(auth, "Bearer ")
		s.refreshed = true
		s.mu.Unlock()
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{}
		if len(raw) > 0 {
			_ = json.Unmarshal(raw, apiErr)
		}
		apiErr.Status = resp.StatusCode
		s.c.logger.Debug().
			Str("method", method).
			Str("path", path).
			Int("status", resp.StatusCode).
			Str("code", apiErr.Code()).
			Msg("backend request failed")
		return apiErr
	}

	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// PatientPrescriptions lists the prescriptions of a patient.
func (s *Session) PatientPrescriptions(ctx context.Context, patientID int64) ([]reminder.Prescription, error) {
	var raw []prescription
	if err := s.do(ctx, http.MethodGet, fmt.Sprintf("/prescriptions/patient/%d", patientID), nil, &raw); err != nil {
		return nil, err
	}
	out := make([]reminder.Prescription, 0, len(raw))
	for _, p := range raw {
		m, err := p.toModel(s.c.loc)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// Prescription finds one prescription among the patient's. The backend has
// no single-prescription read.
func (s *Session) Prescription(ctx context.Context, patientID, prescriptionID int64) (reminder.Prescription, error) {
	all, err := s.PatientPrescriptions(ctx, patientID)
	if err != nil {
		return reminder.Prescription{}, err
	}
	for _, p := range all {
		if p.ID == prescriptionID {
			return p, nil
		}
	}
	return reminder.Prescription{}, fmt.Errorf("prescription %d: %w", prescriptionID, ErrNotFound)
}

// Appointment reads one appointment.
func (s *Session) Appointment(ctx context.Context, id int64) (reminder.Appointment, error) {
	var raw appointment
	if err := s.do(ctx, http.MethodGet, fmt.Sprintf("/appointments/%d", id), nil, &raw); err != nil {
		return reminder.Appointment{}, err
	}
	return raw.toModel(), nil
}

// Me reads the session's own user.
func (s *Session) Me(ctx context.Context) (User, error) {
	var u User
	if err := s.do(ctx, http.MethodGet, "/user/@me", nil, &u); err != nil {
		return User{}, err
	}
	return u, nil
}

// ErrNoServiceToken is returned by lookups that need the service token.
var ErrNoServiceToken = errors.New("backend service token is not configured")

// EmailFor resolves a user id to an email address with the service token.
func (c *Client) EmailFor(ctx context.Context, ownerID string) (string, error) {
	if c.serviceToken == "" {
		return "", ErrNoServiceToken
	}
	var u User
	if err := c.Session(c.serviceToken).do(ctx, http.MethodGet, "/user/"+url.PathEscape(ownerID), nil, &u); err != nil {
		return "", err
	}
	if u.Email == "" {
		return "", fmt.Errorf("user %s has no email address", ownerID)
	}
	return u.Email, nil
}
