package beeminder

import (
	"errors"
	"fmt"
)

// ErrUnauthorized is returned when the auth token is rejected.
var ErrUnauthorized = errors.New("beeminder: invalid authorization token")

// APIError is a non-2xx response other than 401.
type APIError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *APIError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("beeminder: %s %s: status %d", e.Method, e.Path, e.Status)
	}
	return fmt.Sprintf("beeminder: %s %s: status %d: %s", e.Method, e.Path, e.Status, e.Body)
}

// Temporary reports whether retrying later might succeed.
func (e *APIError) Temporary() bool {
	return e.Status >= 500 || e.Status == 429
}

// TokenHint tells the user where to get a token.
func TokenHint(baseURL string) string {
	return fmt.Sprintf("visit %s/auth_token.json to get your token, then add it to your config file", baseURL)
}
