package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type recordingLogger struct {
	ctx context.Context
	msg string
}

func (r *recordingLogger) Debug(context.Context, string, ...any) {}
func (r *recordingLogger) Info(context.Context, string, ...any)  {}
func (r *recordingLogger) Warn(context.Context, string, ...any)  {}
func (r *recordingLogger) Error(ctx context.Context, msg string, _ ...any) {
	r.ctx = ctx
	r.msg = msg
}

func TestErrorfLoggerFormatsAndDelegates(t *testing.T) {
	rec := &recordingLogger{}
	l := ErrorfLogger{Logger: rec}
	l.Errorf("thread %s failed: %v", "t1", "boom")
	require.Equal(t, "thread t1 failed: boom", rec.msg)
	require.NotNil(t, rec.ctx)
}

func TestErrorfLoggerWithContextBindsContext(t *testing.T) {
	rec := &recordingLogger{}
	type ctxKey struct{}
	ctx := context.WithValue(context.Background(), ctxKey{}, "v")
	l := ErrorfLogger{Logger: rec}.WithContext(ctx)
	l.Errorf("boom")
	require.Equal(t, ctx, rec.ctx)
}
