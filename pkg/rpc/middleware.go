package rpc

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/muxrun/mux/pkg/policy"
)

type ctxKey int

const tokenKey ctxKey = iota

// WithBearerToken stores the caller's presented token on the context; the
// HTTP layer does this before dispatch.
func WithBearerToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, tokenKey, token)
}

func bearerToken(ctx context.Context) string {
	token, _ := ctx.Value(tokenKey).(string)
	return token
}

// ErrUnauthorized is returned when the presented token does not match.
var ErrUnauthorized = errors.New("unauthorized")

// Tracing opens one span per procedure call.
func Tracing() Middleware {
	tracer := otel.Tracer("mux/rpc")
	return func(next Invoker) Invoker {
		return func(ctx context.Context, path string, input any) (any, error) {
			ctx, span := tracer.Start(ctx, "rpc."+path)
			span.SetAttributes(attribute.String("rpc.path", path))
			defer span.End()
			out, err := next(ctx, path, input)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			return out, err
		}
	}
}

// Auth rejects calls whose bearer token does not match expected. An empty
// expected token disables the check, for loopback-only deployments.
func Auth(expected string) Middleware {
	return func(next Invoker) Invoker {
		return func(ctx context.Context, path string, input any) (any, error) {
			if expected != "" && !safeEq(bearerToken(ctx), expected) {
				return nil, ErrUnauthorized
			}
			return next(ctx, path, input)
		}
	}
}

// StatusSource is the slice of the policy service the gate needs.
type StatusSource interface {
	GetStatus() policy.Status
	BlockedReason() string
}

// PolicyGate fails every call while policy enforcement is blocked, so a
// broken policy source cannot be bypassed by calling around it.
func PolicyGate(src StatusSource) Middleware {
	return func(next Invoker) Invoker {
		return func(ctx context.Context, path string, input any) (any, error) {
			if src != nil && src.GetStatus() == policy.StatusBlocked {
				return nil, fmt.Errorf("policy blocked: %s", src.BlockedReason())
			}
			return next(ctx, path, input)
		}
	}
}

// Logging records each call at debug level with its outcome.
func Logging(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next Invoker) Invoker {
		return func(ctx context.Context, path string, input any) (any, error) {
			out, err := next(ctx, path, input)
			if err != nil {
				logger.Debug("rpc call failed", zap.String("path", path), zap.Error(err))
			} else {
				logger.Debug("rpc call", zap.String("path", path))
			}
			return out, err
		}
	}
}
