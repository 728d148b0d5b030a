package river

import (
	"context"

	"github.com/lirancohen/loupe/approval"
	"github.com/lirancohen/loupe/gateway"
)

// NoticeHandler delivers a notice to one channel (mail, chat, webhook).
// Returning an error retries the delivery; wrap it with retry.Permanent to
// give up at once.
type NoticeHandler interface {
	HandleNotice(ctx context.Context, n approval.Notice) error
}

// NoticeHandlerFunc adapts a function to NoticeHandler.
type NoticeHandlerFunc func(ctx context.Context, n approval.Notice) error

// HandleNotice calls f(ctx, n).
func (f NoticeHandlerFunc) HandleNotice(ctx context.Context, n approval.Notice) error {
	return f(ctx, n)
}

// Executor performs the deferred write of an approved request and records
// failed attempts on its trail. *engine.Engine implements it.
type Executor interface {
	ExecuteApproved(ctx context.Context, requestID string) (gateway.Execution, error)
}

// Expirer expires stale PENDING requests. *engine.Engine implements it.
type Expirer interface {
	ExpireStale(ctx context.Context, tenantID string) (int, error)
}
