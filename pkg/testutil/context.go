package testutil

import (
	"net/http"

	"storeops/pkg/requestcontext"
)

// WithActor authenticates req the way the auth middleware would.
func WithActor(req *http.Request, actorID string, capabilities ...string) *http.Request {
	return req.WithContext(requestcontext.WithActor(req.Context(), actorID, capabilities...))
}
