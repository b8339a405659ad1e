package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

const (
	// DefaultCallTimeout bounds one tool call.
	DefaultCallTimeout = 20 * time.Second
	// DefaultMaxConcurrent bounds parallel tool execution; further calls
	// queue on the semaphore.
	DefaultMaxConcurrent = 8
	// maxPageSize caps tools/list pages.
	maxPageSize = 32
)

// DispatcherOptions tunes the dispatcher.
type DispatcherOptions struct {
	CallTimeout   time.Duration
	MaxConcurrent int
}

// Dispatcher routes JSON-RPC 2.0 requests to registered tools. Responses are
// written to the send sink exactly once per request id.
type Dispatcher struct {
	reg  *Registry
	send func(ctx context.Context, payload []byte) error

	timeout time.Duration
	sem     chan struct{}
}

// NewDispatcher creates a dispatcher over a sealed registry. send delivers
// serialized responses back to the peer.
func NewDispatcher(reg *Registry, send func(ctx context.Context, payload []byte) error, opts DispatcherOptions) *Dispatcher {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = DefaultCallTimeout
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = DefaultMaxConcurrent
	}
	return &Dispatcher{
		reg:     reg,
		send:    send,
		timeout: opts.CallTimeout,
		sem:     make(chan struct{}, opts.MaxConcurrent),
	}
}

// HandleRaw parses one inbound JSON-RPC payload and dispatches it. Parse and
// request-shape errors are answered immediately; tool calls run on their own
// goroutine under the concurrency bound. The call returns as soon as the
// request is accepted.
func (d *Dispatcher) HandleRaw(ctx context.Context, raw []byte) {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		d.reply(ctx, newError(nil, CodeParseError, "parse error"))
		return
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		d.reply(ctx, newError(req.ID, CodeInvalidRequest, "invalid request"))
		return
	}

	switch req.Method {
	case "tools/list":
		d.handleList(ctx, &req)
	case "tools/call":
		go d.handleCall(ctx, &req)
	case "ping":
		if !req.IsNotification() {
			d.reply(ctx, newResult(req.ID, map[string]any{}))
		}
	default:
		if req.IsNotification() {
			slog.Debug("ignoring unknown notification", "method", req.Method)
			return
		}
		d.reply(ctx, newError(req.ID, CodeMethodNotFound, fmt.Sprintf("method not found: %s", req.Method)))
	}
}

// listParams is the tools/list params shape.
type listParams struct {
	Cursor   string `json:"cursor,omitempty"`
	PageSize int    `json:"pageSize,omitempty"`
}

func (d *Dispatcher) handleList(ctx context.Context, req *Request) {
	var params listParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			d.reply(ctx, newError(req.ID, CodeInvalidParams, "invalid list params"))
			return
		}
	}
	limit := params.PageSize
	if limit <= 0 || limit > maxPageSize {
		limit = maxPageSize
	}

	page, next := d.reg.Page(params.Cursor, limit)
	result := map[string]any{"tools": page}
	if next != "" {
		result["nextCursor"] = next
	}
	d.reply(ctx, newResult(req.ID, result))
}

// callParams is the tools/call params shape.
type callParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

func (d *Dispatcher) handleCall(ctx context.Context, req *Request) {
	// Queue behind the concurrency bound.
	select {
	case d.sem <- struct{}{}:
		defer func() { <-d.sem }()
	case <-ctx.Done():
		return
	}

	var params callParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		d.reply(ctx, newError(req.ID, CodeInvalidParams, "invalid call params"))
		return
	}

	tool, ok := d.reg.Lookup(params.Name)
	if !ok {
		d.reply(ctx, newError(req.ID, CodeMethodNotFound, fmt.Sprintf("unknown tool: %s", params.Name)))
		return
	}

	args, err := tool.Schema.Parse(params.Arguments)
	if err != nil {
		rpcErr, ok := err.(*Error)
		if !ok {
			rpcErr = &Error{Code: CodeInvalidParams, Message: err.Error()}
		}
		d.reply(ctx, newError(req.ID, rpcErr.Code, rpcErr.Message))
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	type outcome struct {
		result any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := execute(callCtx, tool, args)
		done <- outcome{result, err}
	}()

	// The deadline cancels the handler via callCtx; the response goes out
	// either way so every request id is answered exactly once.
	select {
	case <-callCtx.Done():
		d.reply(ctx, newError(req.ID, CodeServerError, "timeout"))
	case out := <-done:
		if out.err != nil {
			// Handler failures are redacted; details stay in the local log.
			slog.Warn("tool call failed", "tool", tool.Name, "err", out.err)
			d.reply(ctx, newError(req.ID, CodeServerError, "tool execution failed"))
			return
		}
		d.reply(ctx, newResult(req.ID, newCallResult(out.result)))
	}
}

// execute runs the handler with panic containment.
func execute(ctx context.Context, tool *Tool, args map[string]any) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool %s panicked: %v", tool.Name, r)
		}
	}()
	return tool.Handler(ctx, args)
}

func (d *Dispatcher) reply(ctx context.Context, resp *Response) {
	data, err := resp.Marshal()
	if err != nil {
		slog.Error("marshal jsonrpc response", "err", err)
		return
	}
	if err := d.send(ctx, data); err != nil {
		slog.Warn("send jsonrpc response", "err", err)
	}
}
