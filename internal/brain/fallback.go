package brain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
)

// FallbackAdapter attempts a primary adapter first and falls back on error.
// Once the primary has streamed a non-empty delta the reply is committed to
// it: a later failure is returned rather than replayed through the fallback,
// otherwise the listener would hear the start of the answer twice.
type FallbackAdapter struct {
	primary  Adapter
	fallback Adapter
}

func NewFallbackAdapter(primary Adapter, fallback Adapter) *FallbackAdapter {
	return &FallbackAdapter{
		primary:  primary,
		fallback: fallback,
	}
}

// Primary returns the preferred adapter used before fallback.
func (a *FallbackAdapter) Primary() Adapter {
	if a == nil {
		return nil
	}
	return a.primary
}

// Secondary returns the fallback adapter.
func (a *FallbackAdapter) Secondary() Adapter {
	if a == nil {
		return nil
	}
	return a.fallback
}

func (a *FallbackAdapter) StreamResponse(ctx context.Context, req Request, onDelta DeltaHandler) (Response, error) {
	if a == nil || a.primary == nil {
		if a != nil && a.fallback != nil {
			return a.fallback.StreamResponse(ctx, req, onDelta)
		}
		return Response{}, fmt.Errorf("fallback adapter misconfigured")
	}

	var streamed atomic.Bool
	resp, err := a.primary.StreamResponse(ctx, req, func(delta string) error {
		if strings.TrimSpace(delta) != "" {
			streamed.Store(true)
		}
		if onDelta == nil {
			return nil
		}
		return onDelta(delta)
	})
	if err == nil {
		return resp, nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Response{}, err
	}
	if a.fallback == nil || streamed.Load() {
		return Response{}, err
	}

	fallbackResp, fallbackErr := a.fallback.StreamResponse(ctx, req, onDelta)
	if fallbackErr != nil {
		return Response{}, fmt.Errorf("primary adapter error: %w; fallback adapter error: %v", err, fallbackErr)
	}
	return fallbackResp, nil
}
