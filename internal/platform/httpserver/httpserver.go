// Package httpserver builds the API's http.Server.
package httpserver

import (
	"net/http"
	"time"
)

// New builds a server for handler on addr. There is no write timeout: event
// streams stay open for the life of a session.
func New(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       2 * time.Minute,
		MaxHeaderBytes:    64 << 10,
	}
}
