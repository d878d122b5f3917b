// Package connreq implements the CWMP connection-request endpoint: a small
// HTTP server the ACS hits to ask the device to open a session now.
package connreq

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	auth "github.com/abbot/go-http-auth"
	"go.uber.org/zap"

	"github.com/codelaboratoryltd/cpesim/pkg/datamodel"
)

// Signaler receives connection-request signals.
type Signaler interface {
	ConnectionRequest()
}

// SignalerFunc adapts a function to Signaler.
type SignalerFunc func()

// ConnectionRequest calls f.
func (f SignalerFunc) ConnectionRequest() { f() }

// Config contains listener configuration.
type Config struct {
	// ACSURL is dialled once to learn which local address faces the ACS.
	ACSURL string

	// Port to listen on. 0 picks an ephemeral port.
	Port int

	// BindAddress overrides the discovered address.
	BindAddress string

	// RequireAuth protects the endpoint with HTTP Digest using
	// Username and Password.
	RequireAuth bool
	Realm       string
	Username    string
	Password    string
}

// DefaultConfig returns an unauthenticated listener on an ephemeral port.
func DefaultConfig() Config {
	return Config{
		Realm: "cpesim",
	}
}

// Listener serves connection requests.
type Listener struct {
	config   Config
	signaler Signaler
	logger   *zap.Logger

	mu       sync.Mutex
	server   *http.Server
	url      string
	requests int64
}

// New creates a listener that forwards every request to signaler.
func New(config Config, signaler Signaler, logger *zap.Logger) *Listener {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Realm == "" {
		config.Realm = DefaultConfig().Realm
	}
	return &Listener{
		config:   config,
		signaler: signaler,
		logger:   logger,
	}
}

// Start binds the listener and serves in the background.
func (l *Listener) Start(ctx context.Context) error {
	host := l.config.BindAddress
	if host == "" {
		ip, err := LocalAddress(ctx, l.config.ACSURL)
		if err != nil {
			return err
		}
		host = ip.String()
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(l.config.Port)))
	if err != nil {
		return fmt.Errorf("failed to listen for connection requests: %w", err)
	}

	srv := &http.Server{
		Handler:           l.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	l.mu.Lock()
	l.server = srv
	l.url = "http://" + ln.Addr().String() + "/"
	l.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			l.logger.Error("Connection request server error", zap.Error(err))
		}
	}()

	l.logger.Info("Connection request listener started",
		zap.String("url", l.URL()),
		zap.Bool("auth", l.config.RequireAuth))
	return nil
}

// Stop shuts the server down.
func (l *Listener) Stop(ctx context.Context) error {
	l.mu.Lock()
	srv := l.server
	l.mu.Unlock()

	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// URL returns the advertised connection request URL, or "" before Start.
func (l *Listener) URL() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.url
}

// Requests returns the number of accepted connection requests.
func (l *Listener) Requests() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.requests
}

// Handler returns the HTTP handler, wrapped in digest authentication when
// configured.
func (l *Listener) Handler() http.Handler {
	if !l.config.RequireAuth {
		return http.HandlerFunc(l.handle)
	}

	realm := l.config.Realm
	secrets := func(user, realm string) string {
		if user != l.config.Username {
			return ""
		}
		return auth.H(user + ":" + realm + ":" + l.config.Password)
	}
	return auth.NewDigestAuthenticator(realm, secrets).JustCheck(l.handle)
}

func (l *Listener) handle(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	l.mu.Lock()
	l.requests++
	l.mu.Unlock()

	l.logger.Info("Connection request received",
		zap.String("remote", r.RemoteAddr),
		zap.String("method", r.Method))

	if l.signaler != nil {
		l.signaler.ConnectionRequest()
	}
}

// LocalAddress returns the local IP used to reach the ACS, found by opening
// and closing a TCP connection to it.
func LocalAddress(ctx context.Context, acsURL string) (net.IP, error) {
	u, err := url.Parse(acsURL)
	if err != nil {
		return nil, fmt.Errorf("invalid ACS URL: %w", err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid ACS URL %q: missing host", acsURL)
	}

	port := u.Port()
	if port == "" {
		port = "80"
		if u.Scheme == "https" {
			port = "443"
		}
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(u.Hostname(), port))
	if err != nil {
		return nil, fmt.Errorf("failed to reach ACS for local address discovery: %w", err)
	}
	defer conn.Close()

	addr, ok := conn.LocalAddr().(*net.TCPAddr)
	if !ok {
		return nil, fmt.Errorf("unexpected local address %s", conn.LocalAddr())
	}
	return addr.IP, nil
}

// Advertise writes the connection request URL into every
// ConnectionRequestURL parameter the device has and returns the paths
// updated.
func Advertise(tree *datamodel.Tree, requestURL string) []string {
	var updated []string
	for _, root := range datamodel.Roots {
		path := root + "ManagementServer.ConnectionRequestURL"
		if !tree.Has(path) {
			continue
		}
		if err := tree.SetValue(path, requestURL); err == nil {
			updated = append(updated, path)
		}
	}
	return updated
}

// Credentials returns the ConnectionRequestUsername and Password from the
// tree, Device. root first.
func Credentials(tree *datamodel.Tree) (username, password string) {
	if _, p, ok := tree.Lookup("ManagementServer.ConnectionRequestUsername"); ok {
		username = p.Value
	}
	if _, p, ok := tree.Lookup("ManagementServer.ConnectionRequestPassword"); ok {
		password = p.Value
	}
	return username, password
}
