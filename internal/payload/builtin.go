package payload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Builtin payload type names.
const (
	TypeEcho  = "echo"
	TypeSleep = "sleep"
	TypeFail  = "fail"
)

func registerBuiltins(r *Registry) {
	r.Register(TypeEcho, newEcho)
	r.Register(TypeSleep, newSleep)
	r.Register(TypeFail, newFail)
}

// newEcho builds a payload that returns its input document unchanged.
func newEcho(input json.RawMessage) (Payload, error) {
	return Func(func(_ context.Context) (any, error) {
		var v any
		if len(input) == 0 {
			return nil, nil
		}
		if err := json.Unmarshal(input, &v); err != nil {
			return nil, fmt.Errorf("decode echo input: %w", err)
		}
		return v, nil
	}), nil
}

type sleepInput struct {
	DurationMS int `json:"duration_ms"`
}

// newSleep builds a payload that sleeps for the requested duration, honoring
// cooperative cancellation, then reports how long it slept.
func newSleep(input json.RawMessage) (Payload, error) {
	var in sleepInput
	if len(input) > 0 {
		if err := json.Unmarshal(input, &in); err != nil {
			return nil, fmt.Errorf("decode sleep input: %w", err)
		}
	}
	if in.DurationMS < 0 {
		return nil, errors.New("duration_ms must not be negative")
	}

	d := time.Duration(in.DurationMS) * time.Millisecond
	return Func(func(ctx context.Context) (any, error) {
		select {
		case <-time.After(d):
			return map[string]any{"slept_ms": in.DurationMS}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}), nil
}

type failInput struct {
	Message string `json:"message"`
}

// newFail builds a payload that always returns an error. Useful for
// exercising retry and workflow abort behavior from the HTTP surface.
func newFail(input json.RawMessage) (Payload, error) {
	var in failInput
	if len(input) > 0 {
		if err := json.Unmarshal(input, &in); err != nil {
			return nil, fmt.Errorf("decode fail input: %w", err)
		}
	}
	if in.Message == "" {
		in.Message = "payload failed"
	}

	return Func(func(_ context.Context) (any, error) {
		return nil, errors.New(in.Message)
	}), nil
}
