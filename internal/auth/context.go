package auth

import "context"

type callerKey struct{}

// WithSubject 将已认证的调用方写入上下文，nil 时原样返回。
func WithSubject(ctx context.Context, subject *Subject) context.Context {
	if subject == nil {
		return ctx
	}
	subject.normalise()
	return context.WithValue(ctx, callerKey{}, subject)
}

// SubjectFromContext 返回上下文中的调用方，未认证时为 nil。
func SubjectFromContext(ctx context.Context) *Subject {
	if ctx == nil {
		return nil
	}
	subject, _ := ctx.Value(callerKey{}).(*Subject)
	return subject
}

// CallerName 返回调用方名称，用于审计日志。鉴权关闭时为 "anonymous"。
func CallerName(ctx context.Context) string {
	if subject := SubjectFromContext(ctx); subject != nil && subject.Name != "" {
		return subject.Name
	}
	return "anonymous"
}
