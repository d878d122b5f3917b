// Package session implements the CWMP session engine: it opens a session
// with an Inform, serves ACS requests against the parameter tree until the
// ACS closes the session, and schedules the next one.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/codelaboratoryltd/cpesim/pkg/datamodel"
	"github.com/codelaboratoryltd/cpesim/pkg/deviceauth"
	"github.com/codelaboratoryltd/cpesim/pkg/methods"
	"github.com/codelaboratoryltd/cpesim/pkg/metrics"
	"github.com/codelaboratoryltd/cpesim/pkg/soap"
)

// Protocol-fatal errors.
var (
	ErrUnexpectedStatus  = errors.New("unexpected ACS response status")
	ErrMalformedEnvelope = soap.ErrMalformedEnvelope
	ErrACSFault          = errors.New("ACS returned a fault")
)

// Config contains engine configuration.
type Config struct {
	// ACSURL is the ACS endpoint every session posts to.
	ACSURL string

	// Auth holds the ACS credentials. Empty credentials are filled from
	// ManagementServer.Username and Password in the tree.
	Auth deviceauth.Config

	// RequestTimeout bounds each HTTP exchange.
	RequestTimeout time.Duration

	// DefaultInterval is used when the tree has no usable
	// PeriodicInformInterval.
	DefaultInterval time.Duration

	// InsecureSkipVerify disables ACS certificate verification.
	InsecureSkipVerify bool

	// RetryOnError logs a failed session and waits for the next periodic
	// Inform instead of returning the error from Run.
	RetryOnError bool

	// MaxPending bounds the pending request queue.
	MaxPending int

	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		Auth:            deviceauth.DefaultConfig(),
		RequestTimeout:  30 * time.Second,
		DefaultInterval: 10 * time.Second,
		MaxPending:      64,
	}
}

// Stats is a snapshot of engine state.
type Stats struct {
	State       string    `json:"state"`
	NextInform  time.Time `json:"next_inform"`
	Sessions    int64     `json:"sessions"`
	LastSession time.Time `json:"last_session"`
	LastError   string    `json:"last_error,omitempty"`

	// CPE-initiated requests: currently queued, ever queued and delivered.
	Pending         int             `json:"pending"`
	Queued          int64           `json:"requests_queued"`
	Delivered       int64           `json:"requests_delivered"`
	PendingRequests []QueuedRequest `json:"pending_requests,omitempty"`
}

// QueuedRequest describes a CPE-initiated request awaiting delivery.
type QueuedRequest struct {
	ID       string    `json:"id"`
	Method   string    `json:"method"`
	QueuedAt time.Time `json:"queued_at"`
}

// Engine drives the CWMP sessions of one device.
type Engine struct {
	config   Config
	tree     *datamodel.Tree
	registry *methods.Registry
	auth     *deviceauth.Authenticator
	client   *acsClient
	pending  *PendingQueue
	sched    *scheduler
	state    *sessionState
	metrics  *metrics.Metrics
	logger   *zap.Logger

	sessions atomic.Int64

	// credentials are the ManagementServer.Username and Password last
	// read from the tree. Only the session loop touches them.
	credentials [2]string

	mu          sync.Mutex
	lastSession time.Time
	lastError   error
}

// New creates an engine for the device described by tree.
func New(tree *datamodel.Tree, config Config) (*Engine, error) {
	u, err := url.Parse(config.ACSURL)
	if err != nil {
		return nil, fmt.Errorf("invalid ACS URL: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid ACS URL %q: need http(s)://host", config.ACSURL)
	}

	defaults := DefaultConfig()
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = defaults.RequestTimeout
	}
	if config.DefaultInterval <= 0 {
		config.DefaultInterval = defaults.DefaultInterval
	}
	if config.MaxPending <= 0 {
		config.MaxPending = defaults.MaxPending
	}
	if config.Auth.CNonce == "" {
		config.Auth.CNonce = defaults.Auth.CNonce
	}
	if config.Auth.NonceCount == "" {
		config.Auth.NonceCount = defaults.Auth.NonceCount
	}
	if config.Auth.Username == "" {
		if _, p, ok := tree.Lookup("ManagementServer.Username"); ok {
			config.Auth.Username = p.Value
		}
	}
	if config.Auth.Password == "" {
		if _, p, ok := tree.Lookup("ManagementServer.Password"); ok {
			config.Auth.Password = p.Value
		}
	}

	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &Engine{
		config:   config,
		tree:     tree,
		registry: methods.NewRegistry(),
		auth:     deviceauth.NewAuthenticator(config.Auth, logger),
		pending:  NewPendingQueue(config.MaxPending, logger),
		sched:    newScheduler(),
		state:    newSessionState(logger),
		metrics:  config.Metrics,
		logger:   logger,
	}
	e.credentials = treeCredentials(tree)
	e.client = newACSClient(config, e.auth, func(s deviceauth.Scheme) {
		e.metrics.RecordAuthChallenge(string(s))
	}, logger)

	e.registry.Register(methods.MethodDownload, methods.NewDownloader(methods.DownloaderConfig{
		Client:     &http.Client{Timeout: config.RequestTimeout},
		OnComplete: e.transferComplete,
		Logger:     logger,
	}))

	return e, nil
}

// Registry returns the method registry, for registering extra handlers
// before Run.
func (e *Engine) Registry() *methods.Registry {
	return e.registry
}

// Run starts the first session immediately and keeps the device checking
// in until ctx is cancelled or a session fails.
func (e *Engine) Run(ctx context.Context) error {
	defer e.sched.close()

	e.logger.Info("Session engine started",
		zap.String("acs_url", e.config.ACSURL),
		zap.String("username", e.auth.Username()))

	e.sched.schedule(0, methods.EventPeriodic)

	for {
		events, err := e.sched.wait(ctx)
		if err != nil {
			return nil
		}

		err = e.runSession(ctx, events)
		e.recordSession(err)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if !e.config.RetryOnError {
				e.logger.Error("Session failed", zap.Strings("events", events), zap.Error(err))
				return err
			}
			e.logger.Warn("Session failed, waiting for next Inform", zap.Strings("events", events), zap.Error(err))
		}

		e.sched.sessionClosed(e.informInterval(), e.pending.Len() > 0, methods.EventTransferComplete)
	}
}

// runSession performs one complete session whose Inform reports events.
func (e *Engine) runSession(ctx context.Context, events []string) (err error) {
	start := time.Now()
	e.sessions.Add(1)
	for _, event := range events {
		e.metrics.RecordSessionStarted(event)
	}
	e.client.clearCookie()
	e.refreshCredentials()

	e.logger.Info("Session started", zap.Strings("events", events))

	defer func() {
		closing := context.WithoutCancel(ctx)
		_ = e.state.transition(closing, eventClose)
		e.client.release()
		_ = e.state.transition(closing, eventRest)
		e.metrics.RecordSessionEnded(time.Since(start), err)
		if err == nil {
			e.logger.Info("Session closed", zap.Duration("duration", time.Since(start)))
		}
	}()

	if err := e.state.transition(ctx, eventStart); err != nil {
		return err
	}

	inform := soap.NewEnvelope(newRequestID(), methods.Inform(e.tree, events, time.Now()))
	reply, err := e.client.exchange(ctx, inform)
	if err != nil {
		return err
	}
	if err := expectResponse(reply, "InformResponse"); err != nil {
		return err
	}
	if err := e.state.transition(ctx, eventInformAcked); err != nil {
		return err
	}

	for req := e.pending.Peek(); req != nil; req = e.pending.Peek() {
		if err := e.state.transition(ctx, eventDispatch); err != nil {
			return err
		}
		reply, err := e.client.exchange(ctx, soap.NewEnvelope(req.ID, req.Body))
		if err != nil {
			return err
		}
		if err := expectResponse(reply, req.Method+"Response"); err != nil {
			return err
		}
		e.pending.Remove(req.ID)
		if err := e.state.transition(ctx, eventRespond); err != nil {
			return err
		}
	}

	request, err := e.client.exchange(ctx, nil)
	if err != nil {
		return err
	}
	for request != nil {
		if err := e.state.transition(ctx, eventDispatch); err != nil {
			return err
		}
		response, err := e.dispatch(ctx, request)
		if err != nil {
			return err
		}
		if request, err = e.client.exchange(ctx, response); err != nil {
			return err
		}
		if err := e.state.transition(ctx, eventRespond); err != nil {
			return err
		}
	}
	return nil
}

// dispatch runs the handler for an ACS request and returns the envelope to
// send back under the same request ID.
func (e *Engine) dispatch(ctx context.Context, request *soap.Envelope) (*soap.Envelope, error) {
	if code, msg, ok := request.Fault(); ok {
		return nil, fmt.Errorf("%w: %s %s", ErrACSFault, code, msg)
	}

	method := request.Method()
	handler, ok := e.registry.Lookup(method)
	if !ok {
		e.logger.Warn("Unsupported ACS method", zap.String("method", method))
		e.metrics.RecordRPC(method, "fault")
		return soap.NewEnvelope(request.ID, methods.MethodNotSupported().Element()), nil
	}

	body, err := handler.Handle(ctx, e.tree, request.Body)
	if err != nil {
		var fault *methods.Fault
		if errors.As(err, &fault) {
			e.logger.Warn("ACS method faulted", zap.String("method", method), zap.Error(err))
			e.metrics.RecordRPC(method, "fault")
			return soap.NewEnvelope(request.ID, fault.Element()), nil
		}
		e.metrics.RecordRPC(method, "error")
		return nil, fmt.Errorf("failed to handle %s: %w", method, err)
	}

	e.logger.Debug("ACS method handled", zap.String("method", method), zap.String("request_id", request.ID))
	e.metrics.RecordRPC(method, "ok")
	return soap.NewEnvelope(request.ID, body), nil
}

// expectResponse checks that reply is the response method want.
func expectResponse(reply *soap.Envelope, want string) error {
	if code, msg, ok := reply.Fault(); ok {
		return fmt.Errorf("%w: %s %s", ErrACSFault, code, msg)
	}
	if got := reply.Method(); got != want {
		if got == "" {
			got = "empty body"
		}
		return fmt.Errorf("%w: expected %s, got %s", ErrMalformedEnvelope, want, got)
	}
	return nil
}

// ConnectionRequest asks for a session now. During a session the request
// is folded into a single follow-up session.
func (e *Engine) ConnectionRequest() {
	coalesced := e.sched.interrupt(methods.EventConnectionRequest)
	e.metrics.RecordConnectionRequest(coalesced)
	e.logger.Info("Connection request", zap.Bool("coalesced", coalesced))
}

// transferComplete queues the TransferComplete for a finished Download and
// asks for a session to deliver it.
func (e *Engine) transferComplete(result methods.TransferResult) {
	e.metrics.RecordTransfer(result.Succeeded())
	if !result.Succeeded() {
		e.logger.Warn("Transfer failed",
			zap.String("command_key", result.CommandKey),
			zap.Int("fault_code", result.FaultCode),
			zap.String("fault_string", result.FaultString))
	}

	err := e.pending.Enqueue(&PendingRequest{
		Method: methods.MethodTransferComplete,
		Body:   result.Element(),
	})
	if err != nil {
		e.logger.Error("Failed to queue TransferComplete", zap.Error(err))
		return
	}
	e.sched.interrupt(methods.EventTransferComplete)
}

// treeCredentials reads the ACS username and password from the tree.
func treeCredentials(tree *datamodel.Tree) [2]string {
	var creds [2]string
	if _, p, ok := tree.Lookup("ManagementServer.Username"); ok {
		creds[0] = p.Value
	}
	if _, p, ok := tree.Lookup("ManagementServer.Password"); ok {
		creds[1] = p.Value
	}
	return creds
}

// refreshCredentials switches the authenticator to the ACS credentials in
// the tree when a SetParameterValues has changed them. The change applies
// from the next session on, never within the session that made it.
func (e *Engine) refreshCredentials() {
	creds := treeCredentials(e.tree)
	if creds == e.credentials {
		return
	}
	e.credentials = creds
	e.auth.SetCredentials(creds[0], creds[1])
	e.logger.Info("ACS credentials changed", zap.String("username", creds[0]))
}

// informInterval reads PeriodicInformInterval from the tree.
func (e *Engine) informInterval() time.Duration {
	_, p, ok := e.tree.Lookup("ManagementServer.PeriodicInformInterval")
	if !ok {
		return e.config.DefaultInterval
	}
	seconds, err := strconv.Atoi(p.Value)
	if err != nil || seconds <= 0 {
		return e.config.DefaultInterval
	}
	return time.Duration(seconds) * time.Second
}

func (e *Engine) recordSession(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastSession = time.Now()
	e.lastError = err
}

// State returns the current session state.
func (e *Engine) State() string {
	return e.state.current()
}

// NextInform returns when the next session starts, or zero while a session
// is in progress.
func (e *Engine) NextInform() time.Time {
	return e.sched.NextInform()
}

// PendingRequests returns the number of queued CPE requests.
func (e *Engine) PendingRequests() int {
	return e.pending.Len()
}

// ParameterCount returns the number of parameters in the tree.
func (e *Engine) ParameterCount() int {
	return len(e.tree.SortedPaths())
}

// Stats returns a snapshot of engine state.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	queued, delivered, current := e.pending.Stats()
	s := Stats{
		State:       e.State(),
		NextInform:  e.NextInform(),
		Sessions:    e.sessions.Load(),
		LastSession: e.lastSession,
		Pending:     current,
		Queued:      queued,
		Delivered:   delivered,
	}
	if e.lastError != nil {
		s.LastError = e.lastError.Error()
	}
	for _, req := range e.pending.ListAll() {
		s.PendingRequests = append(s.PendingRequests, QueuedRequest{
			ID:       req.ID,
			Method:   req.Method,
			QueuedAt: req.QueuedAt,
		})
	}
	return s
}

func newRequestID() string {
	return uuid.New().String()
}
