package auth

import "context"

type callerKeyCtx struct{}

// WithSubject 记录发起本次请求的 API Key。
func WithSubject(ctx context.Context, subject *Subject) context.Context {
	if subject == nil {
		return ctx
	}
	subject.normalise()
	return context.WithValue(ctx, callerKeyCtx{}, subject)
}

// SubjectFromContext 返回请求所用的 API Key，未认证时为 nil。
func SubjectFromContext(ctx context.Context) *Subject {
	if ctx == nil {
		return nil
	}
	subject, _ := ctx.Value(callerKeyCtx{}).(*Subject)
	return subject
}

// KeyID 返回请求所用 API Key 的 ID，供调用与回执日志归属。
func KeyID(ctx context.Context) string {
	if subject := SubjectFromContext(ctx); subject != nil {
		return subject.ID
	}
	return ""
}
