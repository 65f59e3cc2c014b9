package tda

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// ErrRateLimited is returned when the price history retry budget is
// exhausted on HTTP 429 responses.
var ErrRateLimited = errors.New("tda: rate limit retry budget exhausted")

// RequestError reports a non-2xx HTTP response with enough context to act on.
type RequestError struct {
	Method string
	URL    string
	Status int
	Body   string
}

func (e *RequestError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s returned %d", e.Method, e.URL, e.Status)
	}
	return fmt.Sprintf("%s %s returned %d: %s", e.Method, e.URL, e.Status, e.Body)
}

// checkResponse validates an HTTP response, returning a *RequestError for
// anything outside the 2xx range.
func checkResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &RequestError{
		Method: resp.Request.Method,
		URL:    resp.Request.URL.String(),
		Status: resp.StatusCode,
		Body:   strings.TrimSpace(string(body)),
	}
}

// isRateLimited reports whether err is an HTTP 429 response error.
func isRateLimited(err error) bool {
	var reqErr *RequestError
	return errors.As(err, &reqErr) && reqErr.Status == http.StatusTooManyRequests
}
