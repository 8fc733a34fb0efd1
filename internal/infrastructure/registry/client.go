package registry

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
	"time"

	"github.com/rs/zerolog"

	"github.com/consult-escrow/consult-escrow/internal/domain/consultation"
)

var ErrUnexpectedStatus = errors.New("registry returned unexpected status")

// Client talks to the health registry service over HTTP.
//
//	GET  {base}/doctors/{account}/verified        -> {"verified": bool}
//	POST {base}/doctors/{account}/stats/{outcome} -> 2xx
type Client struct {
	baseURL string
	http    *http.Client
	logger  zerolog.Logger
}

func NewClient(baseURL string, timeout time.Duration, logger zerolog.Logger) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("registry url is required")
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("registry url: %w", err)
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		logger:  logger.With().Str("component", "registry").Logger(),
	}, nil
}

type verifiedResponse struct {
	Verified bool `json:"verified"`
}

func (c *Client) IsDoctorVerified(ctx context.Context, doctor consultation.Account) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.doctorURL(doctor, "verified"), nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return false, statusError(resp)
	}
	var out verifiedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, fmt.Errorf("decode registry response: %w", err)
	}
	return out.Verified, nil
}

func (c *Client) RecordCompleted(ctx context.Context, doctor consultation.Account) error {
	return c.record(ctx, doctor, "completed")
}

func (c *Client) RecordCancelled(ctx context.Context, doctor consultation.Account) error {
	return c.record(ctx, doctor, "cancelled")
}

func (c *Client) RecordNoShow(ctx context.Context, doctor consultation.Account) error {
	return c.record(ctx, doctor, "no_show")
}

func (c *Client) record(ctx context.Context, doctor consultation.Account, outcome string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.doctorURL(doctor, "stats/"+outcome), bytes.NewReader([]byte("{}")))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError(resp)
	}
	c.logger.Debug().Str("doctor", string(doctor)).Str("outcome", outcome).Msg("registry stat recorded")
	return nil
}

func (c *Client) doctorURL(doctor consultation.Account, suffix string) string {
	return c.baseURL + "/doctors/" + url.PathEscape(string(doctor.Normalize())) + "/" + suffix
}

func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		return fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode)
	}
	return fmt.Errorf("%w: %d: %s", ErrUnexpectedStatus, resp.StatusCode, msg)
}
