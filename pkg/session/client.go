package session

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/codelaboratoryltd/cpesim/pkg/deviceauth"
	"github.com/codelaboratoryltd/cpesim/pkg/soap"
)

// maxErrorBody bounds how much of an unexpected response is logged.
const maxErrorBody = 256

// acsClient posts SOAP envelopes to the ACS over a single keep-alive
// connection and carries the session cookie between exchanges.
type acsClient struct {
	url       string
	http      *http.Client
	transport *http.Transport
	logger    *zap.Logger

	cookie string
}

func newACSClient(config Config, auth *deviceauth.Authenticator, onChallenge func(deviceauth.Scheme), logger *zap.Logger) *acsClient {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxConnsPerHost:     1,
		MaxIdleConnsPerHost: 1,
		TLSClientConfig:     &tls.Config{InsecureSkipVerify: config.InsecureSkipVerify}, //nolint:gosec // test ACS deployments use self-signed certs
	}
	return &acsClient{
		url: config.ACSURL,
		http: &http.Client{
			Transport: &deviceauth.AuthenticatedTransport{
				Base:          transport,
				Authenticator: auth,
				OnChallenge:   onChallenge,
			},
			Timeout: config.RequestTimeout,
		},
		transport: transport,
		logger:    logger,
	}
}

// exchange sends env, or an empty body when env is nil, and returns the
// ACS reply. A nil envelope with a nil error means the ACS sent an empty
// body.
func (c *acsClient) exchange(ctx context.Context, env *soap.Envelope) (*soap.Envelope, error) {
	var body []byte
	if env != nil {
		var err error
		if body, err = env.Marshal(); err != nil {
			return nil, fmt.Errorf("failed to encode %s: %w", env.Method(), err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build ACS request: %w", err)
	}
	req.Header.Set("Content-Type", soap.ContentType)
	req.Header.Set("SOAPAction", "")
	if c.cookie != "" {
		req.Header.Set("Cookie", c.cookie)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach ACS: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read ACS response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: %s: %s", ErrUnexpectedStatus, resp.Status, truncate(data))
	}

	if cookies := resp.Header.Values("Set-Cookie"); len(cookies) > 0 {
		c.cookie = strings.Join(cookies, "; ")
	}

	c.logger.Debug("ACS exchange",
		zap.String("sent", env.Method()),
		zap.Int("request_bytes", len(body)),
		zap.Int("response_bytes", len(data)),
		zap.Int("status", resp.StatusCode))

	reply, err := soap.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("invalid ACS response: %w", err)
	}
	return reply, nil
}

// clearCookie forgets the session cookie.
func (c *acsClient) clearCookie() {
	c.cookie = ""
}

// release closes the idle keep-alive connection.
func (c *acsClient) release() {
	c.transport.CloseIdleConnections()
}

func truncate(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > maxErrorBody {
		return s[:maxErrorBody] + "..."
	}
	return s
}
