package policy

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

const (
	fetchTimeout   = 10 * time.Second
	maxPolicyBytes = 1 << 20
)

// isRemoteSource reports whether source names an http(s) URL rather than a
// local file path.
func isRemoteSource(source string) bool {
	return strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://")
}

// loadSource reads the raw policy document from a file path or URL. Remote
// fetches are bounded by a 10s timeout and a 1MB response cap.
func loadSource(ctx context.Context, client *http.Client, source string) ([]byte, error) {
	if !isRemoteSource(source) {
		data, err := os.ReadFile(source)
		if err != nil {
			return nil, fmt.Errorf("read policy file: %w", err)
		}
		if len(data) > maxPolicyBytes {
			return nil, fmt.Errorf("policy file exceeds %d bytes", maxPolicyBytes)
		}
		return data, nil
	}

	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return nil, fmt.Errorf("build policy request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch policy: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch policy: unexpected status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxPolicyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read policy response: %w", err)
	}
	if len(data) > maxPolicyBytes {
		return nil, fmt.Errorf("policy response exceeds %d bytes", maxPolicyBytes)
	}
	return data, nil
}
