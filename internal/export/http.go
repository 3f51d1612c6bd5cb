package export

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPExporter posts each message as JSON to a visualization server.
type HTTPExporter struct {
	url            string
	httpClient     *http.Client
	maxRetries     int
	retryDelayBase time.Duration
}

func NewHTTPExporter(url string, timeout time.Duration, maxRetries int, retryDelayBase time.Duration) *HTTPExporter {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if retryDelayBase <= 0 {
		retryDelayBase = time.Second
	}
	return &HTTPExporter{
		url:            url,
		httpClient:     &http.Client{Timeout: timeout},
		maxRetries:     maxRetries,
		retryDelayBase: retryDelayBase,
	}
}

func (e *HTTPExporter) Export(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode %s message: %w", msg.Type, err)
	}
	return e.doRequest(ctx, body)
}

func (e *HTTPExporter) Close() error {
	e.httpClient.CloseIdleConnections()
	return nil
}

// doRequest retries transport errors and 5xx responses with linear backoff.
// Other non-2xx responses fail immediately.
func (e *HTTPExporter) doRequest(ctx context.Context, body []byte) error {
	var lastErr error

	for i := 0; i < e.maxRetries; i++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := e.httpClient.Do(req)
		if err != nil {
			lastErr = err
		} else {
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			switch {
			case resp.StatusCode >= 500:
				lastErr = fmt.Errorf("server error: %d", resp.StatusCode)
			case resp.StatusCode >= 300:
				return fmt.Errorf("unexpected status: %d", resp.StatusCode)
			default:
				return nil
			}
		}

		if i == e.maxRetries-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(e.retryDelayBase * time.Duration(i+1)):
		}
	}

	return fmt.Errorf("max retries exceeded: %w", lastErr)
}
