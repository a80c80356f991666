// Package remote implements the inference backend over the HTTP predict API.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dj-oyu/antispoof-monitor/internal/backend"
	"github.com/dj-oyu/antispoof-monitor/internal/imaging"
	"github.com/dj-oyu/antispoof-monitor/internal/logger"
	"github.com/dj-oyu/antispoof-monitor/pkg/types"
)

const (
	predictPath = "/v1/predict"
	healthPath  = "/v1/health"

	maxResponseBytes = 4 << 20

	msgTimeout    = "Request timed out. The server may be slow or overloaded."
	msgNoResponse = "No response from server. Please check your connection."
	msgFallback   = "API request failed"
)

// Options configures a Client.
type Options struct {
	BaseURL      string
	Timeout      time.Duration // per predict call
	ProbeTimeout time.Duration // per liveness probe
	MaxWidth     int           // downscale limit before upload, 0 = none
	MaxHeight    int
	Quality      int
	HTTPClient   *http.Client
}

// DefaultOptions returns the settings used by the serve command.
func DefaultOptions() Options {
	return Options{
		BaseURL:      "http://localhost:8000",
		Timeout:      30 * time.Second,
		ProbeTimeout: 5 * time.Second,
		MaxWidth:     640,
		MaxHeight:    480,
		Quality:      imaging.DefaultQuality,
	}
}

// Client talks to a remote anti-spoofing server.
type Client struct {
	opts  Options
	base  string
	http  *http.Client
	ready atomic.Bool
	log   logger.Scoped
	calls atomic.Uint64
}

var _ backend.Backend = (*Client)(nil)

// New returns a Client. Zero option fields take their defaults.
func New(opts Options) *Client {
	def := DefaultOptions()
	if opts.BaseURL == "" {
		opts.BaseURL = def.BaseURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = def.ProbeTimeout
	}
	if opts.Quality <= 0 {
		opts.Quality = def.Quality
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	return &Client{
		opts: opts,
		base: strings.TrimRight(opts.BaseURL, "/"),
		http: hc,
		log:  logger.Module("RemoteBackend"),
	}
}

func (c *Client) Name() string { return "remote(" + c.base + ")" }

// Initialize validates the base URL. It does not require the server to be up;
// reachability is tracked by the liveness probe.
func (c *Client) Initialize(ctx context.Context) error {
	u, err := url.Parse(c.base)
	if err != nil {
		return &backend.Error{Kind: backend.KindNotInitialized, Code: "bad_url", Message: "invalid backend URL", Err: err}
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return &backend.Error{
			Kind:    backend.KindNotInitialized,
			Code:    "bad_url",
			Message: fmt.Sprintf("invalid backend URL %q", c.base),
		}
	}
	if c.ready.CompareAndSwap(false, true) {
		c.log.Info("Using inference server at %s (timeout %s)", c.base, c.opts.Timeout)
	}
	return nil
}

// Infer uploads frame to /v1/predict.
func (c *Client) Infer(ctx context.Context, frame types.Frame) (types.BatchResult, error) {
	data, width, height, err := imaging.EncodeJPEG(frame, c.opts.MaxWidth, c.opts.MaxHeight, c.opts.Quality)
	if err != nil {
		return types.BatchResult{}, &backend.Error{
			Kind:    backend.KindContent,
			Code:    "invalid_image",
			Message: "Frame could not be encoded",
			Err:     err,
		}
	}

	body, contentType, err := multipartBody(data)
	if err != nil {
		return types.BatchResult{}, &backend.Error{Kind: backend.KindContent, Code: "invalid_image", Message: err.Error(), Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+predictPath, body)
	if err != nil {
		return types.BatchResult{}, backend.ConnectivityError("bad_request", err.Error(), err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")

	c.calls.Add(1)
	raw, status, err := c.do(req)
	if err != nil {
		return types.BatchResult{}, err
	}
	if status < 200 || status > 299 {
		return types.BatchResult{}, statusError(status, raw)
	}

	var resp predictResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return types.BatchResult{}, backend.ContentError("malformed_response", "Malformed response from server", status, err)
	}

	result := types.BatchResult{
		Seq:         frame.Seq,
		Detections:  make([]types.Detection, 0, len(resp.Faces)),
		LatencyMs:   resp.LatencyMs,
		FrameWidth:  width,
		FrameHeight: height,
	}
	for i, face := range resp.Faces {
		label, err := types.ParseLabel(face.Label)
		if err != nil {
			return types.BatchResult{}, backend.ContentError("malformed_response",
				fmt.Sprintf("face %d: %v", i, err), status, err)
		}
		result.Detections = append(result.Detections, types.Detection{
			Label:      label,
			Confidence: face.Confidence,
			BBox:       face.BBox.toBox(),
		})
	}
	return result, nil
}

// Liveness queries /v1/health.
func (c *Client) Liveness(ctx context.Context) (types.Liveness, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+healthPath, nil)
	if err != nil {
		return types.Liveness{}, backend.ConnectivityError("bad_request", err.Error(), err)
	}
	req.Header.Set("Accept", "application/json")

	raw, status, err := c.do(req)
	if err != nil {
		return types.Liveness{}, err
	}
	if status < 200 || status > 299 {
		return types.Liveness{}, statusError(status, raw)
	}

	var h healthResponse
	if err := json.Unmarshal(raw, &h); err != nil {
		return types.Liveness{}, backend.ContentError("malformed_response", "Malformed health response", status, err)
	}
	return h.toLiveness(), nil
}

// Release drops pooled connections. Safe to call repeatedly.
func (c *Client) Release(ctx context.Context) error {
	if c.ready.Swap(false) {
		c.log.Debug("Released after %d calls", c.calls.Load())
	}
	c.http.CloseIdleConnections()
	return nil
}

func (c *Client) do(req *http.Request) ([]byte, int, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, transportError(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, 0, transportError(err)
	}
	return raw, resp.StatusCode, nil
}

func multipartBody(jpegData []byte) (io.Reader, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="frame.jpg"`)
	h.Set("Content-Type", "image/jpeg")
	part, err := mw.CreatePart(h)
	if err != nil {
		return nil, "", fmt.Errorf("create multipart part: %w", err)
	}
	if _, err := part.Write(jpegData); err != nil {
		return nil, "", fmt.Errorf("write multipart part: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart writer: %w", err)
	}
	return &buf, mw.FormDataContentType(), nil
}

// transportError classifies a failure where no HTTP response was obtained.
func transportError(err error) *backend.Error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return backend.ConnectivityError("timeout", msgTimeout, err)
	}
	return backend.ConnectivityError("no_response", msgNoResponse, err)
}

// statusError classifies a non-2xx answer. Gateway statuses mean the model
// server behind a proxy is unreachable; anything else is about the request.
func statusError(status int, raw []byte) *backend.Error {
	var body errorResponse
	_ = json.Unmarshal(raw, &body)

	msg := body.Detail
	if msg == "" {
		msg = body.Error
	}
	if msg == "" {
		msg = msgFallback
	}

	code := body.Error
	if code == "" {
		code = fmt.Sprintf("http_%d", status)
	}

	switch status {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		e := backend.ConnectivityError(code, msg, nil)
		e.Status = status
		e.Reachable = true
		return e
	default:
		return backend.ContentError(code, msg, status, nil)
	}
}
