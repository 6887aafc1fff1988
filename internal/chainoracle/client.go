package chainoracle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// getJSON performs a GET and decodes the body. Network faults and server
// errors come back as transient; a 404 means the explorer definitively does
// not know the transaction.
func getJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, out any) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return rejectedf("build request: %v", err)
	}
	request.Header.Set("Accept", "application/json")
	for key, value := range headers {
		request.Header.Set(key, value)
	}
	response, err := client.Do(request)
	if err != nil {
		return transientf("explorer request: %v", err)
	}
	defer func() { _, _ = io.Copy(io.Discard, response.Body); _ = response.Body.Close() }()
	switch {
	case response.StatusCode == http.StatusOK:
	case response.StatusCode == http.StatusNotFound:
		return rejectedf("transaction not found")
	case response.StatusCode >= 500 || response.StatusCode == http.StatusTooManyRequests:
		return transientf("explorer status %d", response.StatusCode)
	default:
		return rejectedf("explorer status %d", response.StatusCode)
	}
	if err := json.NewDecoder(response.Body).Decode(out); err != nil {
		return transientf("decode response: %v", err)
	}
	return nil
}

func hexToInt64(raw string) (int64, error) {
	var value int64
	if _, err := fmt.Sscanf(raw, "0x%x", &value); err != nil {
		return 0, fmt.Errorf("parse hex %q: %w", raw, err)
	}
	return value, nil
}
