package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/PBLIZZ/app-omnicrm-sub004/internal/registry"
)

// Authenticator validates incoming requests and returns a CallerContext.
type Authenticator interface {
	Authenticate(r *http.Request) (*CallerContext, error)
}

// CallerContext holds the authenticated caller's identity and the highest
// tool permission level they may invoke.
type CallerContext struct {
	UserID        string
	MaxPermission registry.PermissionLevel
}

// ErrUnauthenticated is returned when no valid credentials are found.
var ErrUnauthenticated = errors.New("unauthenticated")

// ExtractBearerToken extracts an ocrm_ API key from the Authorization header.
func ExtractBearerToken(r *http.Request) (string, error) {
	token := r.Header.Get("Authorization")
	if token == "" {
		return "", ErrUnauthenticated
	}
	token = strings.TrimPrefix(token, "Bearer ")
	token = strings.TrimPrefix(token, "bearer ")
	if !strings.HasPrefix(token, "ocrm_") {
		return "", ErrUnauthenticated
	}
	return token, nil
}
