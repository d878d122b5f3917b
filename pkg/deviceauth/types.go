// Package deviceauth authenticates a simulated CPE to its ACS.
// It supports the two HTTP schemes CWMP requires:
// - Basic, for ACS endpoints reached over TLS
// - Digest (RFC 2617, MD5 with optional auth/auth-int qop)
//
// Credentials are only sent in reaction to a 401 challenge; once a
// challenge has been answered it is reused for later requests.
package deviceauth

import (
	"errors"
	"fmt"
	"strings"

	auth "github.com/abbot/go-http-auth"
)

var (
	// ErrAuthenticationFailed is returned when the ACS rejects the
	// credentials sent in answer to its challenge.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrUnsupportedScheme is returned for a challenge that is neither
	// Basic nor MD5 Digest.
	ErrUnsupportedScheme = errors.New("unsupported authentication scheme")
)

// Scheme is an HTTP authentication scheme.
type Scheme string

const (
	SchemeBasic  Scheme = "Basic"
	SchemeDigest Scheme = "Digest"
)

// Config contains the ACS credentials of the device.
type Config struct {
	// Username and Password are the ManagementServer credentials.
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// CNonce is the client nonce sent with qop Digest responses.
	// It is constant: the device never has two exchanges in flight.
	CNonce string `yaml:"cnonce"`

	// NonceCount is the nc value sent with qop Digest responses.
	NonceCount string `yaml:"nc"`
}

// DefaultConfig returns a config with empty credentials and fixed digest
// client values.
func DefaultConfig() Config {
	return Config{
		CNonce:     "0a4f113b",
		NonceCount: "00000001",
	}
}

// Challenge is a parsed WWW-Authenticate header.
type Challenge struct {
	Scheme Scheme
	Params map[string]string
}

// ParseChallenge parses a WWW-Authenticate value such as
// `Digest realm="acs", qop="auth,auth-int", nonce="abc"`. Quoted values may
// contain commas.
func ParseChallenge(header string) (*Challenge, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, fmt.Errorf("%w: empty challenge", ErrAuthenticationFailed)
	}

	name, rest, _ := strings.Cut(header, " ")
	var scheme Scheme
	switch {
	case strings.EqualFold(name, string(SchemeBasic)):
		scheme = SchemeBasic
	case strings.EqualFold(name, string(SchemeDigest)):
		scheme = SchemeDigest
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedScheme, name)
	}

	return &Challenge{
		Scheme: scheme,
		Params: auth.ParsePairs(rest),
	}, nil
}

// Realm returns the realm parameter of the challenge.
func (c *Challenge) Realm() string {
	return c.Params["realm"]
}
