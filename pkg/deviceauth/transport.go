package deviceauth

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
)

// AuthenticatedTransport wraps an http.RoundTripper to answer ACS
// authentication challenges.
//
// A 401 response is retried exactly once with credentials computed for the
// challenge. A second 401 fails with ErrAuthenticationFailed.
type AuthenticatedTransport struct {
	// Base is the underlying transport to use for requests.
	// If nil, http.DefaultTransport is used.
	Base http.RoundTripper

	// Authenticator computes and caches credentials.
	Authenticator *Authenticator

	// OnChallenge, if set, is called for every challenge received.
	OnChallenge func(Scheme)
}

// RoundTrip implements http.RoundTripper.
func (t *AuthenticatedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	body, err := drainBody(req)
	if err != nil {
		return nil, err
	}

	resp, err := t.send(req, body)
	if err != nil || resp.StatusCode != http.StatusUnauthorized || t.Authenticator == nil {
		return resp, err
	}

	header := resp.Header.Get("WWW-Authenticate")
	discard(resp)

	ch, err := t.Authenticator.Challenged(header)
	if err != nil {
		return nil, err
	}
	if t.OnChallenge != nil {
		t.OnChallenge(ch.Scheme)
	}

	resp, err = t.send(req, body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		discard(resp)
		t.Authenticator.Reset()
		return nil, fmt.Errorf("%w: %s challenge for user %q rejected",
			ErrAuthenticationFailed, ch.Scheme, t.Authenticator.Username())
	}
	return resp, nil
}

// send clones req with a fresh copy of body, authorises it and sends it.
func (t *AuthenticatedTransport) send(req *http.Request, body []byte) (*http.Response, error) {
	reqCopy := req.Clone(req.Context())
	if body != nil {
		reqCopy.Body = io.NopCloser(bytes.NewReader(body))
		reqCopy.ContentLength = int64(len(body))
	} else {
		reqCopy.Body = http.NoBody
		reqCopy.ContentLength = 0
	}

	if t.Authenticator != nil {
		if _, err := t.Authenticator.Authorize(reqCopy, body); err != nil {
			return nil, err
		}
	}

	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(reqCopy)
}

// drainBody reads and closes the request body so it can be replayed. An
// empty body is returned as nil.
func drainBody(req *http.Request) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	defer req.Body.Close()

	body, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read request body: %w", err)
	}
	if len(body) == 0 {
		return nil, nil
	}
	return body, nil
}

func discard(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}

// NewAuthenticatedClient creates an HTTP client that authenticates through
// auth on top of base.
func NewAuthenticatedClient(base http.RoundTripper, auth *Authenticator) *http.Client {
	return &http.Client{
		Transport: &AuthenticatedTransport{
			Base:          base,
			Authenticator: auth,
		},
	}
}
