package quicadapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/peerns/peerns/internal/signaling"
)

// Directory is the flat key-value lookup the QUIC adapter needs from the
// signaling service: who currently holds endpoint, and at what address.
// spec.md §1 explicitly puts the signaling protocol itself out of scope, so
// this interface — and the minimal HTTP implementation below — is this
// module's own stand-in for "whatever directory service a deployment runs".
type Directory interface {
	Claim(ctx context.Context, endpoint, addr string) error
	Release(ctx context.Context, endpoint string) error
	Lookup(ctx context.Context, endpoint string) (addr string, err error)
}

// HTTPDirectory talks to a directory service over plain HTTP: claim/release
// are POSTs, lookup is a GET. A 409 from claim maps to
// signaling.ErrAlreadyTaken; a 404 from lookup maps to
// signaling.ErrUnreachable.
type HTTPDirectory struct {
	BaseURL string
	Client  *http.Client
}

// NewHTTPDirectory returns a Directory backed by a remote service at
// baseURL.
func NewHTTPDirectory(baseURL string) *HTTPDirectory {
	return &HTTPDirectory{BaseURL: baseURL, Client: &http.Client{Timeout: 10 * time.Second}}
}

type claimRequest struct {
	Endpoint string `json:"endpoint"`
	Addr     string `json:"addr"`
}

func (d *HTTPDirectory) Claim(ctx context.Context, endpoint, addr string) error {
	body, err := json.Marshal(claimRequest{Endpoint: endpoint, Addr: addr})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.BaseURL+"/claim", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.Client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", signaling.ErrUnreachable, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		return nil
	case http.StatusConflict:
		return signaling.ErrAlreadyTaken
	default:
		return fmt.Errorf("%w: directory returned status %d", signaling.ErrUnreachable, resp.StatusCode)
	}
}

func (d *HTTPDirectory) Release(ctx context.Context, endpoint string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.BaseURL+"/release?endpoint="+endpoint, nil)
	if err != nil {
		return err
	}
	resp, err := d.Client.Do(req)
	if err != nil {
		return nil // best-effort: a dead directory shouldn't block local teardown
	}
	defer resp.Body.Close()
	return nil
}

func (d *HTTPDirectory) Lookup(ctx context.Context, endpoint string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.BaseURL+"/lookup?endpoint="+endpoint, nil)
	if err != nil {
		return "", err
	}
	resp, err := d.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", signaling.ErrUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", signaling.ErrUnreachable
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: directory returned status %d", signaling.ErrUnreachable, resp.StatusCode)
	}

	var out struct {
		Addr string `json:"addr"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: %v", signaling.ErrUnreachable, err)
	}
	if out.Addr == "" {
		return "", signaling.ErrUnreachable
	}
	return out.Addr, nil
}
