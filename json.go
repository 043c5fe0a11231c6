// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package fidl

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	gorillarpc "github.com/gorilla/rpc/v2"
	"github.com/gorilla/rpc/v2/json2"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
)

const (
	maxRetries    = 3
	retryBaseWait = 500 * time.Millisecond

	// BridgeService is the JSON-RPC service name exposed by the bridge.
	BridgeService = "Channel"
	// BridgePath is the route serving JSON-RPC requests.
	BridgePath = "/rpc"
	// HealthPath is the route reporting whether the bridged client is alive.
	HealthPath = "/healthz"
)

// BridgeCallArgs is the JSON-RPC request for Channel.Call and Channel.Notify.
// Body is the message payload without the transaction header.
type BridgeCallArgs struct {
	Ordinal  uint64 `json:"ordinal"`
	Flexible bool   `json:"flexible"`
	Body     []byte `json:"body"`
}

// BridgeCallReply carries the reply payload, or the framework error reported
// by the peer for a flexible call.
type BridgeCallReply struct {
	Body           []byte `json:"body,omitempty"`
	FrameworkError int32  `json:"frameworkError,omitempty"`
}

// BridgeNotifyReply is the empty result of Channel.Notify.
type BridgeNotifyReply struct{}

// bridgeService forwards JSON-RPC calls onto a client connection.
type bridgeService struct {
	sender *ClientSender
	opts   bridgeOptions
}

func (b *bridgeService) context(r *http.Request) (context.Context, context.CancelFunc) {
	if b.opts.callTimeout > 0 {
		return context.WithTimeout(r.Context(), b.opts.callTimeout)
	}
	return context.WithCancel(r.Context())
}

// Call forwards a two-way call and waits for its reply.
func (b *bridgeService) Call(r *http.Request, args *BridgeCallArgs, reply *BridgeCallReply) error {
	ctx, cancel := b.context(r)
	defer cancel()

	req := RawBody(args.Body)
	if !args.Flexible {
		var resp RawBody
		if err := Call(ctx, b.sender, args.Ordinal, req, &resp); err != nil {
			b.opts.log.Debug("bridged call failed", zap.Uint64("ordinal", args.Ordinal), zap.Error(err))
			return err
		}
		reply.Body = resp
		return nil
	}

	resp, err := CallFlexible[RawBody](ctx, b.sender, args.Ordinal, req)
	var fwErr FrameworkError
	switch {
	case errors.As(err, &fwErr):
		reply.FrameworkError = int32(fwErr)
		return nil
	case err != nil:
		b.opts.log.Debug("bridged call failed", zap.Uint64("ordinal", args.Ordinal), zap.Error(err))
		return err
	}
	reply.Body = resp
	return nil
}

// Notify forwards a one-way message.
func (b *bridgeService) Notify(r *http.Request, args *BridgeCallArgs, _ *BridgeNotifyReply) error {
	ctx, cancel := b.context(r)
	defer cancel()

	send := b.sender.SendOneWay
	if args.Flexible {
		send = b.sender.SendOneWayFlexible
	}
	fut, err := send(ctx, args.Ordinal, RawBody(args.Body))
	if err != nil {
		return err
	}
	return fut.Wait(ctx)
}

// NewBridgeHandler exposes sender over HTTP. POST BridgePath takes JSON-RPC
// 2.0 requests for Channel.Call and Channel.Notify; GET HealthPath reports
// 503 once the client has terminated.
func NewBridgeHandler(sender *ClientSender, opts ...BridgeOption) (http.Handler, error) {
	o := bridgeOptions{log: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}

	rpcServer := gorillarpc.NewServer()
	rpcServer.RegisterCodec(json2.NewCodec(), "application/json")
	if err := rpcServer.RegisterService(&bridgeService{sender: sender, opts: o}, BridgeService); err != nil {
		return nil, fmt.Errorf("register bridge service: %w", err)
	}

	router := httprouter.New()
	router.Handler(http.MethodPost, BridgePath, rpcServer)
	router.GET(HealthPath, func(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
		status := struct {
			Healthy bool   `json:"healthy"`
			Pending int    `json:"pending"`
			Error   string `json:"error,omitempty"`
		}{Healthy: true, Pending: sender.lockers.Pending()}
		code := http.StatusOK
		if err := sender.lockers.Err(); err != nil {
			status.Healthy = false
			status.Error = err.Error()
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(status)
	})
	return router, nil
}

// newHTTPClient creates a fresh HTTP client with disabled connection reuse.
func newHTTPClient() *http.Client {
	return &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			DisableKeepAlives: true,
		},
	}
}

// CleanlyCloseBody drains and closes an HTTP response body to prevent
// HTTP/2 GOAWAY errors caused by closing bodies with unread data.
// See: https://github.com/golang/go/issues/46071
func CleanlyCloseBody(body io.ReadCloser) error {
	if body == nil {
		return nil
	}
	_, _ = io.Copy(io.Discard, body)
	return body.Close()
}

// isRetryableError checks if an error is transient and worth retrying
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	if errors.Is(err, io.EOF) || strings.Contains(errStr, "EOF") {
		return true
	}
	if strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "broken pipe") {
		return true
	}
	return false
}

// BridgeClient talks to a bridge over HTTP.
type BridgeClient struct {
	uri *url.URL
	log *zap.Logger
}

// NewBridgeClient returns a client for the bridge at rawURL, which should
// name the JSON-RPC route, e.g. http://127.0.0.1:9650/rpc.
func NewBridgeClient(rawURL string, log *zap.Logger) (*BridgeClient, error) {
	uri, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse bridge url: %w", err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &BridgeClient{uri: uri, log: log}, nil
}

// Call makes a two-way call through the bridge. A framework error reported
// for a flexible call is returned as a FrameworkError.
func (c *BridgeClient) Call(ctx context.Context, ordinal uint64, flexible bool, body []byte, options ...Option) ([]byte, error) {
	args := &BridgeCallArgs{Ordinal: ordinal, Flexible: flexible, Body: body}
	var reply BridgeCallReply
	if err := c.SendJSONRequest(ctx, BridgeService+".Call", args, &reply, options...); err != nil {
		return nil, err
	}
	if reply.FrameworkError != 0 {
		return nil, FrameworkError(reply.FrameworkError)
	}
	return reply.Body, nil
}

// Notify sends a one-way message through the bridge.
func (c *BridgeClient) Notify(ctx context.Context, ordinal uint64, flexible bool, body []byte, options ...Option) error {
	args := &BridgeCallArgs{Ordinal: ordinal, Flexible: flexible, Body: body}
	return c.SendJSONRequest(ctx, BridgeService+".Notify", args, &BridgeNotifyReply{}, options...)
}

// SendJSONRequest issues one JSON-RPC request, retrying transient
// connection failures with exponential backoff.
func (c *BridgeClient) SendJSONRequest(
	ctx context.Context,
	method string,
	params interface{},
	reply interface{},
	options ...Option,
) error {
	requestBodyBytes, err := json2.EncodeClientRequest(method, params)
	if err != nil {
		return fmt.Errorf("failed to encode client params: %w", err)
	}

	ops := NewOptions(options)
	uri := *c.uri
	uri.RawQuery = ops.queryParams.Encode()

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			waitTime := retryBaseWait * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(waitTime):
			}
		}

		// The body reader is consumed by each attempt.
		request, err := http.NewRequestWithContext(
			ctx,
			http.MethodPost,
			uri.String(),
			bytes.NewReader(requestBodyBytes),
		)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}

		request.Header = ops.headers.Clone()
		request.Header.Set("Content-Type", "application/json")

		resp, err := newHTTPClient().Do(request)
		if err != nil {
			lastErr = err
			retryable := isRetryableError(err)
			c.log.Debug("bridge request failed",
				zap.String("method", method),
				zap.Int("attempt", attempt+1),
				zap.Bool("retryable", retryable),
				zap.Error(err),
			)
			if retryable {
				continue
			}
			return fmt.Errorf("failed to issue request: %w", err)
		}
		if attempt > 0 {
			c.log.Debug("bridge request succeeded", zap.String("method", method), zap.Int("attempt", attempt+1))
		}

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			_ = CleanlyCloseBody(resp.Body)
			return fmt.Errorf("received status code: %d", resp.StatusCode)
		}

		err = json2.DecodeClientResponse(resp.Body, reply)
		_ = CleanlyCloseBody(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to decode client response: %w", err)
		}
		return nil
	}

	return fmt.Errorf("failed to issue request after %d retries: %w", maxRetries, lastErr)
}
