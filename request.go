package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/airsstack/airsstack-sub002/correlation"
	"github.com/airsstack/airsstack-sub002/jsonrpc"
)

// roundTrip sends a request and waits for its response. When ctx ends or the entry expires
// first, the peer is told with notifications/cancelled.
func roundTrip(
	ctx context.Context,
	requests *correlation.Manager,
	send func(context.Context, JSONRPCMessage) error,
	method string,
	params any,
) (JSONRPCMessage, error) {
	var timeout time.Duration
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
		if timeout <= 0 {
			return JSONRPCMessage{}, fmt.Errorf("failed to send %s: %w", method, context.DeadlineExceeded)
		}
	}

	id, result, err := requests.Register(timeout)
	if err != nil {
		return JSONRPCMessage{}, fmt.Errorf("failed to register %s: %w", method, err)
	}
	req, err := jsonrpc.NewRequest(id, method, params)
	if err != nil {
		_ = requests.Cancel(id)
		return JSONRPCMessage{}, fmt.Errorf("failed to encode %s: %w", method, err)
	}
	if err := send(ctx, req); err != nil {
		_ = requests.Cancel(id)
		return JSONRPCMessage{}, fmt.Errorf("failed to send %s: %w", method, err)
	}

	select {
	case res := <-result:
		if res.Err == nil {
			if res.Response.Error != nil {
				return JSONRPCMessage{}, res.Response.Error
			}
			return res.Response, nil
		}
		if !errors.Is(res.Err, correlation.ErrTimeout) {
			return JSONRPCMessage{}, fmt.Errorf("%s: %w", method, res.Err)
		}
		if timeout > 0 {
			// The entry expired at the context deadline; let the context catch up.
			<-ctx.Done()
		}
	case <-ctx.Done():
		_ = requests.Cancel(id)
	}

	reason := correlation.ErrTimeout.Error()
	if ctx.Err() != nil {
		reason = ctx.Err().Error()
	}
	cancelled, err := jsonrpc.NewNotification(MethodNotificationsCancelled, CancelledParams{
		RequestID: id,
		Reason:    reason,
	})
	if err == nil {
		notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		_ = send(notifyCtx, cancelled)
		cancel()
	}
	if ctx.Err() != nil {
		return JSONRPCMessage{}, fmt.Errorf("%s: %w", method, ctx.Err())
	}
	return JSONRPCMessage{}, fmt.Errorf("%s: %w", method, correlation.ErrTimeout)
}

// decodeResult unmarshals a response result into v. A nil v discards the result.
func decodeResult(resp JSONRPCMessage, v any) error {
	if v == nil || len(resp.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Result, v); err != nil {
		return fmt.Errorf("failed to decode result: %w", err)
	}
	return nil
}
