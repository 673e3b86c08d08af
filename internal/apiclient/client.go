// Package apiclient talks to the violations REST API on behalf of the store.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"parking-monitor/internal/domain/violation"
)

// StatusError is returned for any non-2xx response.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("unexpected status %d", e.Code)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Message)
}

type Client struct {
	baseURL string
	token   string
	http    *http.Client
	log     zerolog.Logger
}

func New(baseURL, token string, timeout time.Duration, log zerolog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: timeout},
		log:     log,
	}
}

func (c *Client) FetchViolations(ctx context.Context, f violation.Filter) (violation.Page, error) {
	var page violation.Page
	path := "/violations/?" + f.Query().Encode()
	if err := c.do(ctx, http.MethodGet, path, nil, &page); err != nil {
		return violation.Page{}, fmt.Errorf("fetch violations: %w", err)
	}
	if page.Violations == nil {
		page.Violations = []violation.Violation{}
	}
	return page, nil
}

func (c *Client) FetchCounts(ctx context.Context) (violation.Counts, error) {
	var counts violation.Counts
	if err := c.do(ctx, http.MethodGet, "/violations/stats/count", nil, &counts); err != nil {
		return violation.Counts{}, fmt.Errorf("fetch counts: %w", err)
	}
	return counts, nil
}

func (c *Client) GetViolation(ctx context.Context, id int64) (violation.Violation, error) {
	var v violation.Violation
	if err := c.do(ctx, http.MethodGet, "/violations/"+strconv.FormatInt(id, 10), nil, &v); err != nil {
		return violation.Violation{}, fmt.Errorf("get violation %d: %w", id, err)
	}
	return v, nil
}

// PatchViolation returns the server's full record after the update.
func (c *Client) PatchViolation(ctx context.Context, id int64, patch violation.Patch) (violation.Violation, error) {
	var v violation.Violation
	if err := c.do(ctx, http.MethodPatch, "/violations/"+strconv.FormatInt(id, 10), patch, &v); err != nil {
		return violation.Violation{}, fmt.Errorf("patch violation %d: %w", id, err)
	}
	return v, nil
}

func (c *Client) OccupancyHistory(ctx context.Context, lotID int64, hours int) (violation.OccupancyHistory, error) {
	var history violation.OccupancyHistory
	path := "/parking-lots/" + strconv.FormatInt(lotID, 10) + "/occupancy-history"
	if hours > 0 {
		path += "?hours=" + strconv.Itoa(hours)
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &history); err != nil {
		return violation.OccupancyHistory{}, fmt.Errorf("occupancy history for lot %d: %w", lotID, err)
	}
	return history, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	c.log.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(start)).
		Msg("api request")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var payload struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&payload)
		return &StatusError{Code: resp.StatusCode, Message: payload.Error}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
