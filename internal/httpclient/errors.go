package httpclient

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
)

// HTTPError is returned for every non-2xx upstream response.
type HTTPError struct {
	System string
	Method string
	Path   string
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	body := e.Body
	if len(body) > 300 {
		body = body[:300] + "..."
	}
	return fmt.Sprintf("%s %s %s: http %d: %s", e.System, e.Method, e.Path, e.Status, body)
}

// IsStatus reports whether err is an HTTPError with the given status.
func IsStatus(err error, status int) bool {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Status == status
	}
	return false
}

func IsNotFound(err error) bool {
	return IsStatus(err, http.StatusNotFound)
}

// IsPreconditionFailed is true for If-Match conflicts.
func IsPreconditionFailed(err error) bool {
	return IsStatus(err, http.StatusPreconditionFailed)
}

var deltaTokenPattern = regexp.MustCompile(`(?i)((?:\$|%24)?(?:delta|skip)token=)[^&]+`)

// RedactURL strips delta and skip tokens so they never reach logs or errors.
func RedactURL(raw string) string {
	redacted := deltaTokenPattern.ReplaceAllString(raw, "${1}REDACTED")
	if u, err := url.Parse(redacted); err == nil {
		u.User = nil
		return u.String()
	}
	return redacted
}
