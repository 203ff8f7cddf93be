package auth

import (
	"net/http"

	"github.com/PBLIZZ/app-omnicrm-sub004/internal/registry"
)

// StaticAuthenticator is a development-only authenticator that accepts any
// ocrm_ key and grants admin permission.
type StaticAuthenticator struct{}

func NewStaticAuthenticator() *StaticAuthenticator {
	return &StaticAuthenticator{}
}

func (a *StaticAuthenticator) Authenticate(r *http.Request) (*CallerContext, error) {
	token, err := ExtractBearerToken(r)
	if err != nil {
		return nil, err
	}
	return &CallerContext{
		UserID:        "static-" + token[5:min(13, len(token))],
		MaxPermission: registry.PermissionAdmin,
	}, nil
}
