package middleware_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/mosaicdocs/batch/middleware"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestChain_OrderIsOutsideIn(t *testing.T) {
	var order []string
	mw := func(name string) middleware.Middleware {
		return func(ctx context.Context, inv *middleware.Invocation, next middleware.Handler) ([]byte, error) {
			order = append(order, name+":before")
			payload, err := next(ctx)
			order = append(order, name+":after")
			return payload, err
		}
	}

	chain := middleware.Chain(mw("outer"), mw("inner"))
	payload, err := chain(context.Background(), &middleware.Invocation{ItemID: "x"}, func(context.Context) ([]byte, error) {
		order = append(order, "handler")
		return []byte("ok"), nil
	})
	if err != nil {
		t.Fatalf("chain: %v", err)
	}
	if string(payload) != "ok" {
		t.Fatalf("payload = %q, want %q", payload, "ok")
	}

	want := []string{"outer:before", "inner:before", "handler", "inner:after", "outer:after"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestChain_EmptyIsPassThrough(t *testing.T) {
	chain := middleware.Chain()
	payload, err := chain(context.Background(), &middleware.Invocation{}, func(context.Context) ([]byte, error) {
		return []byte("direct"), nil
	})
	if err != nil || string(payload) != "direct" {
		t.Fatalf("got (%q, %v), want direct pass-through", payload, err)
	}
}

func TestRecover_ConvertsPanicToError(t *testing.T) {
	mw := middleware.Recover(discardLogger())

	payload, err := mw(context.Background(), &middleware.Invocation{ItemID: "doc-1"}, func(context.Context) ([]byte, error) {
		panic("corrupted page table")
	})
	if payload != nil {
		t.Errorf("payload = %v, want nil after panic", payload)
	}
	if err == nil || !strings.Contains(err.Error(), "doc-1") || !strings.Contains(err.Error(), "corrupted page table") {
		t.Fatalf("err = %v, want panic converted to item error", err)
	}
}

func TestRecover_PassesThroughNormalReturns(t *testing.T) {
	mw := middleware.Recover(discardLogger())
	wantErr := errors.New("plain failure")

	_, err := mw(context.Background(), &middleware.Invocation{}, func(context.Context) ([]byte, error) {
		return nil, wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("err = %v, want %v", err, wantErr)
	}
}

func TestTimeout_CancelsSlowHandler(t *testing.T) {
	mw := middleware.Timeout(10 * time.Millisecond)

	_, err := mw(context.Background(), &middleware.Invocation{}, func(ctx context.Context) ([]byte, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
			return []byte("too late"), nil
		}
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want DeadlineExceeded", err)
	}
}

func TestTimeout_ZeroDisablesDeadline(t *testing.T) {
	mw := middleware.Timeout(0)

	_, err := mw(context.Background(), &middleware.Invocation{}, func(ctx context.Context) ([]byte, error) {
		if _, set := ctx.Deadline(); set {
			t.Error("deadline set despite zero timeout")
		}
		return nil, nil
	})
	if err != nil {
		t.Fatalf("err = %v, want nil", err)
	}
}
