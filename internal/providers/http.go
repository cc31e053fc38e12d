package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// apiClient posts JSON bodies to one chat endpoint and normalizes
// non-2xx responses into *HTTPError so RetryDo can classify them.
// The header hook sets provider auth on every request.
type apiClient struct {
	label   string // provider name, prefixed onto errors
	url     string
	http    *http.Client
	headers func(*http.Request)
}

func newAPIClient(label, url string, headers func(*http.Request)) *apiClient {
	return &apiClient{
		label:   label,
		url:     url,
		http:    &http.Client{Timeout: 120 * time.Second},
		headers: headers,
	}
}

// postJSON sends body and returns the open response stream. The caller
// owns the returned ReadCloser.
func (c *apiClient) postJSON(ctx context.Context, body interface{}) (io.ReadCloser, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", c.label, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", c.label, err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.headers(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: request: %w", c.label, err)
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, &HTTPError{
			Status:     resp.StatusCode,
			Body:       fmt.Sprintf("%s: %s", c.label, msg),
			RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	return resp.Body, nil
}

// scanSSE walks a text/event-stream body and calls fn once per data
// line with the current event name. A "[DONE]" sentinel ends the
// stream; fn returning an error aborts it.
func scanSSE(r io.Reader, fn func(event, data string) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var event string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data := strings.TrimPrefix(line, "data: ")
			if data == "[DONE]" {
				return nil
			}
			if err := fn(event, data); err != nil {
				return err
			}
		}
	}
	return scanner.Err()
}
