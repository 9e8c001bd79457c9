package http

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
)

// StatusError is returned for responses outside the 2xx range
type StatusError struct {
	StatusCode int
	Status     string
	URL        string
}

// Error implements the error interface
func (e *StatusError) Error() string {
	text := e.Status
	if text == "" {
		text = fmt.Sprintf("%d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	if e.URL == "" {
		return fmt.Sprintf("HTTP %s", text)
	}
	return fmt.Sprintf("HTTP %s from %s", text, e.URL)
}

// Retryable reports whether the status is worth another attempt
func (e *StatusError) Retryable() bool {
	return IsRetryableStatusCode(e.StatusCode)
}

// ReadResponseBody reads and closes HTTP response body
func ReadResponseBody(resp *http.Response) ([]byte, error) {
	defer closeBody(resp)
	return io.ReadAll(resp.Body)
}

// DecodeJSONResponse decodes a 2xx JSON response into target
func DecodeJSONResponse(resp *http.Response, target any) error {
	defer closeBody(resp)

	if err := EnsureSuccess(resp); err != nil {
		return err
	}

	return json.NewDecoder(resp.Body).Decode(target)
}

// EnsureSuccess checks that the response status is in the 2xx range
func EnsureSuccess(resp *http.Response) error {
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		statusErr := &StatusError{StatusCode: resp.StatusCode, Status: resp.Status}
		if resp.Request != nil && resp.Request.URL != nil {
			statusErr.URL = resp.Request.URL.String()
		}
		return statusErr
	}
	return nil
}

// GetContentType returns the content type of the response
func GetContentType(resp *http.Response) string {
	return resp.Header.Get("Content-Type")
}

func closeBody(resp *http.Response) {
	if closeErr := resp.Body.Close(); closeErr != nil {
		slog.Error("Failed to close response body", "error", closeErr)
	}
}
