// Package platform holds the HTTP clients for the external account platform:
// profile facts and role membership mutations.
package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"rolegate.org/internal/rules"
)

// FactsClient fetches the profile facts snapshot from the platform gateway.
type FactsClient struct {
	baseURL string
	http    *http.Client
}

func NewFactsClient(baseURL string) *FactsClient {
	return &FactsClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// Fetch returns the fact mapping for one external account. JSON numbers are
// normalised to int64 where they are integral so rule comparisons behave.
func (c *FactsClient) Fetch(ctx context.Context, externalUserID int64) (rules.Facts, error) {
	url := fmt.Sprintf("%s/users/%d/facts", c.baseURL, externalUserID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("facts fetch: unexpected status %d", resp.StatusCode)
	}

	var raw map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("facts fetch: decode: %w", err)
	}

	facts := make(rules.Facts, len(raw))
	for name, v := range raw {
		facts[name] = normalise(v)
	}
	return facts, nil
}

func normalise(v any) any {
	f, ok := v.(float64)
	if !ok {
		return v
	}
	if n := int64(f); float64(n) == f {
		return n
	}
	return f
}

// RolesClient mutates platform role membership. The gateway's add/remove
// endpoints are idempotent, so retried calls are safe.
type RolesClient struct {
	baseURL string
	http    *http.Client
}

func NewRolesClient(baseURL string) *RolesClient {
	return &RolesClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *RolesClient) AddRole(ctx context.Context, scope, externalUserID, roleID int64) error {
	return c.mutate(ctx, http.MethodPut, scope, externalUserID, roleID)
}

func (c *RolesClient) RemoveRole(ctx context.Context, scope, externalUserID, roleID int64) error {
	return c.mutate(ctx, http.MethodDelete, scope, externalUserID, roleID)
}

func (c *RolesClient) mutate(ctx context.Context, method string, scope, externalUserID, roleID int64) error {
	url := fmt.Sprintf("%s/scopes/%d/users/%d/roles/%d", c.baseURL, scope, externalUserID, roleID)
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("role mutation: unexpected status %d", resp.StatusCode)
	}
	return nil
}
