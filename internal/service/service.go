package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const tracerName = "github.com/smallbiznis/pantry-auth/internal/service"

// base carries the logging, tracing and clock plumbing shared by the services.
type base struct {
	logger *zap.Logger
	tracer trace.Tracer
	clock  func() time.Time
}

func newBase(logger *zap.Logger, name string) base {
	if logger == nil {
		logger = zap.NewNop()
	}
	return base{
		logger: logger.Named(name),
		tracer: otel.Tracer(tracerName),
		clock:  time.Now,
	}
}

func (b *base) now() time.Time {
	return b.clock().UTC()
}

func (b *base) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if b == nil || b.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return b.tracer.Start(ctx, name)
}

func (b *base) audit(event string, attrs ...any) {
	logger := b.log()
	fields := make([]zap.Field, 0, len(attrs)/2+2)
	fields = append(fields, zap.String("event", event), zap.Time("timestamp", b.now()))
	for i := 0; i+1 < len(attrs); i += 2 {
		key, ok := attrs[i].(string)
		if !ok {
			continue
		}
		fields = append(fields, zap.Any(key, attrs[i+1]))
	}
	logger.Info("audit", fields...)
}

func (b *base) log() *zap.Logger {
	if b != nil && b.logger != nil {
		return b.logger
	}
	return zap.L()
}

func randomString(n int) string {
	if n <= 0 {
		n = 64
	}
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b)
}

// hashToken is the lookup key stored for opaque refresh tokens.
func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// SetClock replaces the time source. Tests use it to pin expiry boundaries.
func (b *base) SetClock(clock func() time.Time) {
	b.clock = clock
}
