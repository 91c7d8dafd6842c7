package mcp

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/airsstack/airsstack-sub002/jsonrpc"
)

// ErrNoProgressToken is returned by ReportProgress when the request did not ask for progress.
var ErrNoProgressToken = errors.New("request has no progress token")

type sessionKey struct{}

type progressKey struct{}

type progressReporter struct {
	session *ServerSession
	token   jsonrpc.ID
}

func withSession(ctx context.Context, ss *ServerSession) context.Context {
	return context.WithValue(ctx, sessionKey{}, ss)
}

// SessionFromContext returns the session serving the request handled under ctx. Providers use
// it to reach the client, for example to list its roots.
func SessionFromContext(ctx context.Context) (*ServerSession, bool) {
	ss, ok := ctx.Value(sessionKey{}).(*ServerSession)
	return ss, ok
}

func withProgress(ctx context.Context, ss *ServerSession, token jsonrpc.ID) context.Context {
	if token.IsZero() {
		return ctx
	}
	return context.WithValue(ctx, progressKey{}, progressReporter{session: ss, token: token})
}

// progressToken extracts _meta.progressToken from raw request params.
func progressToken(params json.RawMessage) jsonrpc.ID {
	var p struct {
		Meta *ParamsMeta `json:"_meta"`
	}
	if len(params) == 0 || json.Unmarshal(params, &p) != nil || p.Meta == nil {
		return jsonrpc.ID{}
	}
	return p.Meta.ProgressToken
}

// ReportProgress sends notifications/progress for the request handled under ctx. total may be
// zero when unknown.
func ReportProgress(ctx context.Context, progress, total float64, message string) error {
	r, ok := ctx.Value(progressKey{}).(progressReporter)
	if !ok {
		return ErrNoProgressToken
	}
	return r.session.Notify(ctx, MethodNotificationsProgress, ProgressParams{
		ProgressToken: r.token,
		Progress:      progress,
		Total:         total,
		Message:       message,
	})
}
