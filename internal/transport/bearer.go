// Package transport attaches the current session to outgoing HTTP requests.
package transport

import (
	"context"
	"errors"
	"net/http"
)

// ErrNoSession is returned by BearerTransport when the user has to sign in again.
var ErrNoSession = errors.New("transport: no valid session")

// CSRFHeader carries the double-submit token on state-changing requests.
const CSRFHeader = "X-CSRF-Token"

// SessionSource supplies a valid access token per request. *service.Manager implements it.
type SessionSource interface {
	EnsureValidSession(ctx context.Context) (token string, ok bool)
	CSRFToken(ctx context.Context) string
}

// BearerTransport is an http.RoundTripper that refreshes the session if needed and sets
// Authorization and, for unsafe methods, the CSRF header. Requests that already carry an
// Authorization header pass through untouched.
type BearerTransport struct {
	Source SessionSource
	// Base is the underlying transport; nil means http.DefaultTransport.
	Base http.RoundTripper
}

// NewClient returns an http.Client using a BearerTransport over base.
func NewClient(src SessionSource, base http.RoundTripper) *http.Client {
	return &http.Client{Transport: &BearerTransport{Source: src, Base: base}}
}

func (t *BearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("Authorization") != "" {
		return t.base().RoundTrip(req)
	}
	token, ok := t.Source.EnsureValidSession(req.Context())
	if !ok {
		if req.Body != nil {
			_ = req.Body.Close()
		}
		return nil, ErrNoSession
	}
	// RoundTrippers must not modify the caller's request.
	out := req.Clone(req.Context())
	out.Header.Set("Authorization", "Bearer "+token)
	if !safeMethod(req.Method) {
		if csrf := t.Source.CSRFToken(req.Context()); csrf != "" {
			out.Header.Set(CSRFHeader, csrf)
		}
	}
	return t.base().RoundTrip(out)
}

func (t *BearerTransport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

func safeMethod(m string) bool {
	switch m {
	case "", http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return true
	}
	return false
}
