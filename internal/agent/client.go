package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/threadpulse-io/threadpulse/internal/breaker"
	"github.com/threadpulse-io/threadpulse/internal/fault"
	"github.com/threadpulse-io/threadpulse/internal/protocol"
	"github.com/threadpulse-io/threadpulse/internal/registry"
	"github.com/threadpulse-io/threadpulse/internal/retry"
)

// Caller dispatches protocol calls to a peer agent role. The coordinator
// depends on this interface rather than on HTTP, so tests can dispatch
// in-process.
type Caller interface {
	Send(ctx context.Context, role string, params SendParams) (*TaskView, error)
	GetTask(ctx context.Context, role string, taskID uuid.UUID) (*TaskView, error)
	Cancel(ctx context.Context, role string, taskID uuid.UUID) (*TaskView, error)
}

// HTTPCaller is the production Caller: registry lookup, bounded retry, and a
// per-peer circuit breaker around each JSON-RPC exchange.
type HTTPCaller struct {
	registry *registry.Registry
	breakers *breaker.Registry
	client   *http.Client
	apiKey   string
	retryCfg retry.Config
	clock    clockwork.Clock
	logger   *zap.Logger
	seq      atomic.Int64
}

// NewHTTPCaller creates a caller. The http.Client timeout is a backstop; the
// per-peer breaker CallTimeout is the operative bound.
func NewHTTPCaller(reg *registry.Registry, breakers *breaker.Registry, apiKey string, retryCfg retry.Config, clock clockwork.Clock, logger *zap.Logger) *HTTPCaller {
	return &HTTPCaller{
		registry: reg,
		breakers: breakers,
		client:   &http.Client{Timeout: 2 * time.Minute},
		apiKey:   apiKey,
		retryCfg: retryCfg,
		clock:    clock,
		logger:   logger,
	}
}

// Send dispatches message/send to the peer.
func (c *HTTPCaller) Send(ctx context.Context, role string, params SendParams) (*TaskView, error) {
	return c.call(ctx, role, protocol.MethodMessageSend, params)
}

// GetTask dispatches tasks/get to the peer.
func (c *HTTPCaller) GetTask(ctx context.Context, role string, taskID uuid.UUID) (*TaskView, error) {
	return c.call(ctx, role, protocol.MethodTasksGet, TaskParams{TaskID: taskID})
}

// Cancel dispatches tasks/cancel to the peer.
func (c *HTTPCaller) Cancel(ctx context.Context, role string, taskID uuid.UUID) (*TaskView, error) {
	return c.call(ctx, role, protocol.MethodTasksCancel, TaskParams{TaskID: taskID})
}

// call performs one logical JSON-RPC exchange. The registry entry is read
// inside the retry loop: an entry that expired between discovery and dial is
// retried against a fresh read rather than failed hard.
func (c *HTTPCaller) call(ctx context.Context, role, method string, params any) (*TaskView, error) {
	rawParams, err := json.Marshal(params)
	if err != nil {
		return nil, fault.Wrap(fault.KindFatal, err, "marshal params")
	}

	var view TaskView
	br := c.breakers.Get("peer:" + role)
	err = retry.Do(ctx, c.retryCfg, c.clock, func(ctx context.Context) error {
		entry, err := c.registry.Lookup(ctx, role)
		if err != nil {
			return err
		}
		return br.Do(ctx, func(ctx context.Context) error {
			return c.exchange(ctx, entry.URL, method, rawParams, &view)
		})
	})
	if err != nil {
		return nil, err
	}
	return &view, nil
}

// exchange sends one HTTP request and decodes the JSON-RPC response into out.
func (c *HTTPCaller) exchange(ctx context.Context, baseURL, method string, params json.RawMessage, out any) error {
	id, err := json.Marshal(c.seq.Add(1))
	if err != nil {
		return err
	}
	body, err := json.Marshal(protocol.Request{
		JSONRPC: protocol.Version,
		Method:  method,
		Params:  params,
		ID:      id,
	})
	if err != nil {
		return fault.Wrap(fault.KindFatal, err, "marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/a2a", bytes.NewReader(body))
	if err != nil {
		return fault.Wrap(fault.KindFatal, err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	httpResp, err := c.client.Do(req)
	if err != nil {
		return fault.Wrap(fault.KindTransient, err, "peer call")
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(httpResp.Body, 512))
		herr := &fault.HTTPStatusError{StatusCode: httpResp.StatusCode, Message: string(msg)}
		if fault.IsTransient(herr) {
			return fault.Wrap(fault.KindTransient, herr, "peer call")
		}
		return fault.Wrap(fault.KindFatal, herr, "peer call")
	}

	var resp protocol.Response
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return fault.Wrap(fault.KindTransient, err, "decode response")
	}
	if resp.Error != nil {
		return fault.Wrap(kindForCode(resp.Error.Code), resp.Error, "peer error")
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return fault.Wrap(fault.KindFatal, err, "decode result")
	}
	return nil
}

// kindForCode is the client-side inverse of protocol.CodeFor. Internal
// errors are treated as transient: the peer may be mid-restart or shedding
// load.
func kindForCode(code int) fault.Kind {
	switch code {
	case protocol.CodeInvalidRequest:
		return fault.KindInvalidRequest
	case protocol.CodeInvalidParams:
		return fault.KindInvalidParams
	case protocol.CodeMethodNotFound:
		return fault.KindSkillUnknown
	case protocol.CodeTaskNotFound:
		return fault.KindTaskNotFound
	case protocol.CodeTaskTerminal:
		return fault.KindTaskTerminal
	case protocol.CodeUnsupported:
		return fault.KindUnsupported
	case protocol.CodeInternal:
		return fault.KindTransient
	default:
		return fault.KindFatal
	}
}
