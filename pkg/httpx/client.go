package httpx

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"
)

// Response is a fully read HTTP reply.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// RetryPolicy bounds RequestJSON retries. Only transport errors and 5xx
// replies are retried; a 429 is returned to the caller as is.
type RetryPolicy struct {
	Retries int
	Delay   time.Duration
}

// RequestJSON sends body as JSON and reads the whole reply.
func RequestJSON(ctx context.Context, client *http.Client, method, url string, body []byte, headers map[string]string, policy RetryPolicy) (*Response, error) {
	if client == nil {
		client = http.DefaultClient
	}
	retries := max(policy.Retries, 0)
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, policy.Delay); err != nil {
				return nil, err
			}
		}
		req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		if len(body) > 0 {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set("Accept", "application/json")
		for k, v := range headers {
			if v != "" {
				req.Header.Set(k, v)
			}
		}

		resp, err := client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			continue
		}
		out := &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: respBody}
		if resp.StatusCode >= 500 && attempt < retries {
			lastErr = nil
			continue
		}
		return out, nil
	}
	return nil, lastErr
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
