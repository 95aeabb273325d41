// Package handlers contains the built-in fetch/publish/update handlers.
// Each handler is self-contained: it declares its own registry descriptor
// and implements only the step kinds it declares.
package handlers

import (
	"net/http"
	"time"

	"github.com/flowpress/flowpress/core/registry"
)

const fetchTimeout = 30 * time.Second

func httpClientOr(c *http.Client) *http.Client {
	if c != nil {
		return c
	}
	return &http.Client{Timeout: fetchTimeout}
}

// RegisterBuiltins registers every built-in handler.
func RegisterBuiltins(r *registry.Registry) error {
	for _, h := range []registry.Handler{
		NewRSS(nil),
		NewWebpage(nil),
		NewWordPress(nil),
	} {
		if err := r.Register(h); err != nil {
			return err
		}
	}
	return nil
}
