package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/gatemeter/gatemeter/internal/identity"
	"github.com/gatemeter/gatemeter/internal/ledger"
)

// httpLedger is a thin HTTP adapter for the external billing ledger.
// The ledger service itself lives elsewhere; this only speaks its API.
type httpLedger struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func newHTTPLedger(baseURL, apiKey string) *httpLedger {
	return &httpLedger{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (l *httpLedger) GetKeyState(ctx context.Context, resourceID string) (ledger.KeyState, error) {
	u := fmt.Sprintf("%s/v1/keys/%s/state", l.baseURL, url.PathEscape(resourceID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return ledger.KeyState{}, err
	}
	l.authorize(req)

	resp, err := l.client.Do(req)
	if err != nil {
		return ledger.KeyState{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return ledger.KeyState{}, fmt.Errorf("ledger returned status %d", resp.StatusCode)
	}

	var ks ledger.KeyState
	if err := json.NewDecoder(resp.Body).Decode(&ks); err != nil {
		return ledger.KeyState{}, fmt.Errorf("decode ledger state: %w", err)
	}
	return ks, nil
}

func (l *httpLedger) IngestEvent(ctx context.Context, resourceID string, cost float64) error {
	body, err := json.Marshal(map[string]any{"cost": cost})
	if err != nil {
		return err
	}

	u := fmt.Sprintf("%s/v1/keys/%s/events", l.baseURL, url.PathEscape(resourceID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, strings.NewReader(string(body)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	l.authorize(req)

	resp, err := l.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("ledger ingest returned status %d", resp.StatusCode)
	}
	return nil
}

func (l *httpLedger) authorize(req *http.Request) {
	if l.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+l.apiKey)
	}
}

// httpDirectory is a thin HTTP adapter for the external identity store.
type httpDirectory struct {
	baseURL string
	client  *http.Client
}

func newHTTPDirectory(baseURL string) *httpDirectory {
	return &httpDirectory{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (d *httpDirectory) Lookup(ctx context.Context, credential string) (identity.Identity, error) {
	u := fmt.Sprintf("%s/v1/identities/%s", d.baseURL, url.PathEscape(credential))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return identity.Identity{}, err
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return identity.Identity{}, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return identity.Identity{}, identity.ErrNotFound
	default:
		return identity.Identity{}, fmt.Errorf("directory returned status %d", resp.StatusCode)
	}

	var id identity.Identity
	if err := json.NewDecoder(resp.Body).Decode(&id); err != nil {
		return identity.Identity{}, fmt.Errorf("decode identity: %w", err)
	}
	return id, nil
}
