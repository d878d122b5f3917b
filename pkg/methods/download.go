package methods

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/codelaboratoryltd/cpesim/pkg/datamodel"
	"github.com/codelaboratoryltd/cpesim/pkg/soap"
)

// TransferResult is the outcome of a Download, reported to the ACS in a
// TransferComplete request.
type TransferResult struct {
	CommandKey   string
	FaultCode    int
	FaultString  string
	StartTime    time.Time
	CompleteTime time.Time
}

// Succeeded reports whether the transfer finished without a fault.
func (r TransferResult) Succeeded() bool {
	return r.FaultCode == 0
}

// Element renders the TransferComplete request body.
func (r TransferResult) Element() *soap.Element {
	tc := soap.NewElement("cwmp:TransferComplete")
	tc.AddText("CommandKey", r.CommandKey)
	fault := tc.Add("FaultStruct")
	fault.AddText("FaultCode", strconv.Itoa(r.FaultCode))
	fault.AddText("FaultString", r.FaultString)
	tc.AddText("StartTime", formatTime(r.StartTime))
	tc.AddText("CompleteTime", formatTime(r.CompleteTime))
	return tc
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return UnknownTime
	}
	return t.UTC().Format(time.RFC3339)
}

// DownloaderConfig configures the Download handler.
type DownloaderConfig struct {
	// Client fetches the file. Defaults to a client with a 30s timeout.
	Client *http.Client

	// OnComplete receives the result of every transfer, from the fetching
	// goroutine.
	OnComplete func(TransferResult)

	Logger *zap.Logger
}

// Downloader serves the Download RPC. The response is sent at once with
// status 1; the file is fetched in the background and its result handed to
// OnComplete.
type Downloader struct {
	client     *http.Client
	onComplete func(TransferResult)
	logger     *zap.Logger
}

// NewDownloader creates a Download handler.
func NewDownloader(cfg DownloaderConfig) *Downloader {
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.OnComplete == nil {
		cfg.OnComplete = func(TransferResult) {}
	}
	return &Downloader{
		client:     cfg.Client,
		onComplete: cfg.OnComplete,
		logger:     cfg.Logger,
	}
}

type downloadRequest struct {
	commandKey string
	url        string
	username   string
	password   string
	delay      time.Duration
}

// Handle replies with a pending DownloadResponse and starts the transfer.
// ctx bounds the background fetch, so it must outlive the exchange.
func (d *Downloader) Handle(ctx context.Context, _ *datamodel.Tree, req *soap.Element) (*soap.Element, error) {
	dl := downloadRequest{
		commandKey: req.ChildText("CommandKey"),
		url:        req.ChildText("URL"),
		username:   req.ChildText("Username"),
		password:   req.ChildText("Password"),
	}
	if s := req.ChildText("DelaySeconds"); s != "" {
		secs, err := strconv.Atoi(s)
		if err != nil || secs < 0 {
			d.logger.Warn("Invalid DelaySeconds", zap.String("delay_seconds", s))
			return nil, InvalidArguments()
		}
		dl.delay = time.Duration(secs) * time.Second
	}

	d.logger.Info("Download requested",
		zap.String("command_key", dl.commandKey),
		zap.String("url", dl.url),
		zap.Duration("delay", dl.delay))

	go d.fetch(ctx, dl)

	resp := soap.NewElement("cwmp:DownloadResponse")
	resp.AddText("Status", "1")
	resp.AddText("StartTime", UnknownTime)
	resp.AddText("CompleteTime", UnknownTime)
	return resp, nil
}

func (d *Downloader) fetch(ctx context.Context, dl downloadRequest) {
	if dl.delay > 0 {
		timer := time.NewTimer(dl.delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}

	result := TransferResult{CommandKey: dl.commandKey, StartTime: time.Now()}
	n, err := d.get(ctx, dl)
	result.CompleteTime = time.Now()

	var fault *Fault
	switch {
	case err == nil:
		d.logger.Info("Download completed",
			zap.String("command_key", dl.commandKey),
			zap.Int64("bytes", n))
	case errors.As(err, &fault):
		result.FaultCode, result.FaultString = fault.Code, fault.String
	default:
		result.FaultCode, result.FaultString = FaultDownloadFailure, err.Error()
	}
	if !result.Succeeded() {
		d.logger.Warn("Download failed",
			zap.String("command_key", dl.commandKey),
			zap.Int("fault_code", result.FaultCode),
			zap.String("fault_string", result.FaultString))
	}

	d.onComplete(result)
}

// get fetches the file and discards it. A non-2xx status is returned as a
// file transfer Fault.
func (d *Downloader) get(ctx context.Context, dl downloadRequest) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, dl.url, nil)
	if err != nil {
		return 0, err
	}
	if dl.username != "" {
		req.SetBasicAuth(dl.username, dl.password)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return 0, &Fault{
			Code:   FaultFileTransfer,
			String: fmt.Sprintf("Unexpected response code %d", resp.StatusCode),
		}
	}
	return io.Copy(io.Discard, resp.Body)
}

