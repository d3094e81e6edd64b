package libhttp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// Call performs a JSON request and decodes the response body into T.
// body may be nil; query may be nil.
func Call[T any](ctx context.Context, method, endpoint string, headers map[string]string, body any, query url.Values) (T, error) {
	var zero T

	var reqBody io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return zero, fmt.Errorf("json.Marshal: %w", err)
		}
		reqBody = bytes.NewReader(buf)
	}

	if len(query) > 0 {
		endpoint = endpoint + "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return zero, fmt.Errorf("http.NewRequestWithContext: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	res, err := http.DefaultClient.Do(req)
	if err != nil {
		return zero, fmt.Errorf("http.DefaultClient.Do: %w", err)
	}
	defer func() {
		_ = res.Body.Close()
	}()

	resBody, err := io.ReadAll(res.Body)
	if err != nil {
		return zero, fmt.Errorf("io.ReadAll: %w", err)
	}

	if res.StatusCode < http.StatusOK || res.StatusCode >= http.StatusMultipleChoices {
		return zero, fmt.Errorf("unexpected status %d: %s", res.StatusCode, string(resBody))
	}

	var out T
	if len(resBody) > 0 {
		if err := json.Unmarshal(resBody, &out); err != nil {
			return zero, fmt.Errorf("json.Unmarshal: %w", err)
		}
	}
	return out, nil
}
