// Package reputation submits payment proofs to the external ERC-8004
// reputation registry and queries the facilitator's score.
//
// The registry is outside this system's control: submissions are best-effort
// with at-least-once semantics (the registry dedups by invoice id), and a
// registry outage is never visible to settlement callers.
package reputation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/dexterlabs/x402-facilitator/internal/models"
)

// ErrRegistryUnavailable indicates the reputation registry could not be
// reached or answered with an error. Callers fall back to the last
// successfully cached score.
var ErrRegistryUnavailable = errors.New("reputation: registry unavailable")

// Config configures the registry client.
type Config struct {
	// RegistryURL is the base URL of the reputation registry.
	RegistryURL string

	// AgentID is the facilitator's registered ERC-8004 agent id.
	AgentID string

	// Secret, when set, is used to mint short-lived HS256 bearer tokens for
	// registry requests.
	Secret string

	// Timeout bounds each registry request.
	Timeout time.Duration
}

// Client talks to the reputation registry. Safe for concurrent use.
type Client struct {
	cfg  Config
	http *http.Client

	mu        sync.RWMutex
	cached    float64
	haveScore bool
}

// NewClient returns a registry client.
func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}
}

// Submit posts a payment proof to the registry. A 409 means the registry
// already holds a proof for this invoice id and counts as success; proofs are
// immutable, so re-submission is harmless.
func (c *Client) Submit(ctx context.Context, p *models.PaymentProof) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("reputation: encode proof: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.RegistryURL+"/reputation/proofs", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("reputation: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if err := c.authorize(req); err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRegistryUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusConflict:
		return nil
	default:
		return fmt.Errorf("%w: status %d", ErrRegistryUnavailable, resp.StatusCode)
	}
}

// QueryReputation fetches the facilitator's current score and caches it.
// On failure it returns ErrRegistryUnavailable; use CachedScore to fall back.
func (c *Client) QueryReputation(ctx context.Context) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.cfg.RegistryURL+"/reputation/score?agent_id="+c.cfg.AgentID, nil)
	if err != nil {
		return 0, fmt.Errorf("reputation: build request: %w", err)
	}
	if err := c.authorize(req); err != nil {
		return 0, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRegistryUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("%w: status %d", ErrRegistryUnavailable, resp.StatusCode)
	}

	var out struct {
		Score float64 `json:"score"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("%w: decode response: %v", ErrRegistryUnavailable, err)
	}

	c.mu.Lock()
	c.cached = out.Score
	c.haveScore = true
	c.mu.Unlock()
	return out.Score, nil
}

// CachedScore returns the last successfully fetched score, if any.
func (c *Client) CachedScore() (float64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cached, c.haveScore
}

// authorize attaches a short-lived bearer token when a secret is configured.
func (c *Client) authorize(req *http.Request) error {
	if c.cfg.Secret == "" {
		return nil
	}
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss": c.cfg.AgentID,
		"iat": now.Unix(),
		"exp": now.Add(time.Minute).Unix(),
	})
	signed, err := token.SignedString([]byte(c.cfg.Secret))
	if err != nil {
		return fmt.Errorf("reputation: sign bearer token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+signed)
	return nil
}
