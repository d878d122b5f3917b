package deviceauth

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"sync"

	auth "github.com/abbot/go-http-auth"
	"go.uber.org/zap"
)

// Credential computes the Authorization header value answering challenge
// for a request with the given method, request URI and body.
func Credential(cfg Config, challenge *Challenge, method, uri string, body []byte) (string, error) {
	switch challenge.Scheme {
	case SchemeBasic:
		return BasicCredential(cfg.Username, cfg.Password), nil
	case SchemeDigest:
		return digestCredential(cfg, challenge.Params, method, uri, body)
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedScheme, challenge.Scheme)
	}
}

// BasicCredential returns the Basic Authorization value for a user.
func BasicCredential(username, password string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(username+":"+password))
}

func digestCredential(cfg Config, params map[string]string, method, uri string, body []byte) (string, error) {
	algorithm := params["algorithm"]
	if algorithm != "" && !strings.EqualFold(algorithm, "MD5") {
		return "", fmt.Errorf("%w: digest algorithm %s", ErrUnsupportedScheme, algorithm)
	}

	realm := params["realm"]
	nonce := params["nonce"]
	qop := selectQOP(params["qop"])

	ha1 := auth.H(cfg.Username + ":" + realm + ":" + cfg.Password)
	ha2 := auth.H(method + ":" + uri)
	if qop == "auth-int" {
		ha2 = auth.H(method + ":" + uri + ":" + auth.H(string(body)))
	}

	var response string
	if qop == "" {
		response = auth.H(ha1 + ":" + nonce + ":" + ha2)
	} else {
		response = auth.H(strings.Join([]string{ha1, nonce, cfg.NonceCount, cfg.CNonce, qop, ha2}, ":"))
	}

	var b strings.Builder
	fmt.Fprintf(&b, `Digest username="%s", realm="%s", nonce="%s", uri="%s"`, cfg.Username, realm, nonce, uri)
	if algorithm != "" {
		fmt.Fprintf(&b, ", algorithm=%s", algorithm)
	}
	if qop != "" {
		fmt.Fprintf(&b, `, qop=%s, nc=%s, cnonce="%s"`, qop, cfg.NonceCount, cfg.CNonce)
	}
	fmt.Fprintf(&b, `, response="%s"`, response)
	if opaque, ok := params["opaque"]; ok {
		fmt.Fprintf(&b, `, opaque="%s"`, opaque)
	}
	return b.String(), nil
}

// selectQOP picks the quality of protection from a challenge's qop list,
// preferring "auth".
func selectQOP(offered string) string {
	var first string
	for _, q := range strings.Split(offered, ",") {
		q = strings.TrimSpace(q)
		if q == "auth" {
			return q
		}
		if first == "" {
			first = q
		}
	}
	return first
}

// Authenticator answers ACS challenges. It remembers the last challenge it
// answered and authorises later requests pre-emptively with it.
type Authenticator struct {
	logger *zap.Logger

	mu        sync.Mutex
	config    Config
	challenge *Challenge
}

// NewAuthenticator creates an Authenticator for the given credentials.
func NewAuthenticator(config Config, logger *zap.Logger) *Authenticator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.CNonce == "" {
		config.CNonce = DefaultConfig().CNonce
	}
	if config.NonceCount == "" {
		config.NonceCount = DefaultConfig().NonceCount
	}
	return &Authenticator{
		logger: logger,
		config: config,
	}
}

// SetCredentials replaces the username and password and forgets any cached
// challenge.
func (a *Authenticator) SetCredentials(username, password string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.config.Username = username
	a.config.Password = password
	a.challenge = nil
}

// Username returns the configured user.
func (a *Authenticator) Username() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.config.Username
}

// Challenged parses and caches a WWW-Authenticate value.
func (a *Authenticator) Challenged(header string) (*Challenge, error) {
	ch, err := ParseChallenge(header)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	a.challenge = ch
	a.mu.Unlock()

	a.logger.Debug("ACS challenged request",
		zap.String("scheme", string(ch.Scheme)),
		zap.String("realm", ch.Realm()))
	return ch, nil
}

// Reset forgets the cached challenge.
func (a *Authenticator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.challenge = nil
}

// Authorize sets the Authorization header of req from the cached challenge.
// It reports whether a header was set.
func (a *Authenticator) Authorize(req *http.Request, body []byte) (bool, error) {
	a.mu.Lock()
	ch, cfg := a.challenge, a.config
	a.mu.Unlock()

	if ch == nil {
		return false, nil
	}
	value, err := Credential(cfg, ch, req.Method, req.URL.RequestURI(), body)
	if err != nil {
		return false, err
	}
	req.Header.Set("Authorization", value)
	return true, nil
}
