package telemetry

import (
	"context"
	"fmt"
)

// ErrorfLogger adapts a Logger to the single-method `Errorf(format string,
// args ...any)` shape several packages (turn.Logger among them) declare
// locally to avoid importing this package directly. Any Logger satisfies
// that shape through ErrorfLogger without those packages depending on
// telemetry's interfaces.
type ErrorfLogger struct {
	Logger Logger
	ctx    context.Context
}

// WithContext binds the context ErrorfLogger's Errorf calls log.Error
// against; without it, Errorf uses context.Background.
func (l ErrorfLogger) WithContext(ctx context.Context) ErrorfLogger {
	l.ctx = ctx
	return l
}

// Errorf formats and logs an error-level message.
func (l ErrorfLogger) Errorf(format string, args ...any) {
	ctx := l.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	l.Logger.Error(ctx, fmt.Sprintf(format, args...))
}
