package testutil

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

// TryReceive will attempt to receive a value from the chan and return it. If
// the context expires before a value can be received, it will fail the test. If
// the channel is closed, the zero value of the channel type will be returned.
//
// Safety: Must only be called from the Go routine that created `t`.
func TryReceive[A any](ctx context.Context, t testing.TB, c <-chan A) A {
	t.Helper()
	select {
	case <-ctx.Done():
		require.Fail(t, "TryReceive: context expired")
		var a A
		return a
	case a := <-c:
		return a
	}
}

// RequireReceive will receive a value from the chan and return it. If the
// context expires or the channel is closed before a value can be received,
// it will fail the test.
//
// Safety: Must only be called from the Go routine that created `t`.
func RequireReceive[A any](ctx context.Context, t testing.TB, c <-chan A) A {
	t.Helper()
	select {
	case <-ctx.Done():
		require.Fail(t, "RequireReceive: context expired")
		var a A
		return a
	case a, ok := <-c:
		if !ok {
			require.Fail(t, "RequireReceive: channel closed")
		}
		return a
	}
}

// RequireClosed drains c until it is closed. Any value received before the
// close fails the test.
func RequireClosed[A any](ctx context.Context, t testing.TB, c <-chan A) {
	t.Helper()
	select {
	case <-ctx.Done():
		require.Fail(t, "RequireClosed: context expired")
	case a, ok := <-c:
		if ok {
			require.Failf(t, "RequireClosed: unexpected value", "%v", a)
		}
	}
}

// RequireEmpty fails the test if a value is immediately available on c.
func RequireEmpty[A any](t testing.TB, c <-chan A) {
	t.Helper()
	select {
	case a, ok := <-c:
		if ok {
			require.Failf(t, "RequireEmpty: unexpected value", "%v", a)
		}
	default:
	}
}

// RequireSend will send the given value over the chan and then return. If
// the context expires before the send succeeds, it will fail the test.
//
// Safety: Must only be called from the Go routine that created `t`.
func RequireSend[A any](ctx context.Context, t testing.TB, c chan<- A, a A) {
	t.Helper()
	select {
	case <-ctx.Done():
		require.Fail(t, "RequireSend: context expired")
	case c <- a:
	}
}
