package health

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/totem/cluster-deployer/internal/domain"
)

const defaultTimeout = 10 * time.Second

// Checker probes discovered nodes over HTTP.
type Checker struct {
	client *http.Client
}

// New constructs a Checker. A nil client gets a default one.
func New(client *http.Client) Checker {
	if client == nil {
		client = &http.Client{}
	}
	return Checker{client: client}
}

// URL builds the probe address for a node endpoint.
func URL(endpoint, path string) string {
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		endpoint = "http://" + endpoint
	}
	if path == "" {
		path = "/"
	} else if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return strings.TrimRight(endpoint, "/") + path
}

// Check issues one GET against endpoint+path. Any transport failure or
// status >= 400 is reported as NodeCheckFailed so callers keep polling.
func (c Checker) Check(ctx context.Context, endpoint, path string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	url := URL(endpoint, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return domain.NodeCheckFailed(url, 0, err.Error())
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return domain.NodeCheckFailed(url, 0, err.Error())
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= http.StatusBadRequest {
		return domain.NodeCheckFailed(url, resp.StatusCode, fmt.Sprintf("unexpected status %d", resp.StatusCode))
	}
	return nil
}
