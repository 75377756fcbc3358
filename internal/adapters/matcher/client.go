// Package matcher talks to the face matching service.
package matcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"facefinder/internal/domain"
	"facefinder/internal/ports"
)

var _ ports.Matcher = (*Client)(nil)

type evaluateRequest struct {
	Image        []byte      `json:"image"` // base64 on the wire
	Fingerprints [][]float64 `json:"reference_fingerprints"`
}

// Client posts images to the matcher's /evaluate endpoint. Calls go through
// a circuit breaker so a down matcher fails fast instead of timing out once
// per item.
type Client struct {
	url  string
	http *http.Client
	cb   *gobreaker.CircuitBreaker
}

func New(baseURL string, timeout time.Duration, log logrus.FieldLogger) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "matcher",
		MaxRequests: 1,
		Interval:    30 * time.Second,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.WithFields(logrus.Fields{"breaker": name, "from": from.String(), "to": to.String()}).Warn("circuit breaker state changed")
		},
	})
	return &Client{
		url:  strings.TrimRight(baseURL, "/") + "/evaluate",
		http: &http.Client{Timeout: timeout},
		cb:   cb,
	}
}

func (c *Client) Evaluate(ctx context.Context, image []byte, fingerprints [][]float64) (domain.MatchResult, error) {
	out, err := c.cb.Execute(func() (interface{}, error) {
		return c.evaluate(ctx, image, fingerprints)
	})
	if err != nil {
		return domain.MatchResult{}, err
	}
	return out.(domain.MatchResult), nil
}

func (c *Client) evaluate(ctx context.Context, image []byte, fingerprints [][]float64) (domain.MatchResult, error) {
	body, err := json.Marshal(evaluateRequest{Image: image, Fingerprints: fingerprints})
	if err != nil {
		return domain.MatchResult{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return domain.MatchResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return domain.MatchResult{}, fmt.Errorf("matcher request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return domain.MatchResult{}, fmt.Errorf("matcher: %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}
	var res domain.MatchResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return domain.MatchResult{}, fmt.Errorf("decode matcher response: %w", err)
	}
	return res, nil
}
