package middleware

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/routegate/routegate/internal/apierror"
)

// Deadline returns middleware that applies a global request deadline to the
// entire middleware chain. If the deadline fires before the handler completes,
// a 504 Gateway Timeout is returned. Pass 0 to disable (handler called
// directly).
func Deadline(timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if timeout <= 0 {
			return next // disabled
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()

			done := make(chan struct{})
			tw := &deadlineWriter{ResponseWriter: w}

			go func() {
				next.ServeHTTP(tw, r.WithContext(ctx))
				close(done)
			}()

			select {
			case <-done:
				// Handler completed before deadline.
			case <-ctx.Done():
				if tw.claimTimeout() {
					apierror.WriteJSON(w, r, http.StatusGatewayTimeout, apierror.DeadlineExceeded, "global request deadline exceeded")
				}
				// Wait for handler goroutine to finish to avoid leaks.
				<-done
			}
		})
	}
}

// Writer ownership states. The handler goroutine and the deadline path race
// for the response; whoever claims the writer first owns it, and writes from
// the other side are dropped.
const (
	writerUnclaimed int32 = iota
	writerHandler
	writerTimeout
)

type deadlineWriter struct {
	http.ResponseWriter
	state atomic.Int32
}

// claimTimeout claims the writer for the 504 path. It fails once the
// handler has started writing a response.
func (dw *deadlineWriter) claimTimeout() bool {
	return dw.state.CompareAndSwap(writerUnclaimed, writerTimeout)
}

// claimHandler claims the writer for the handler. It keeps returning true
// for the handler's subsequent writes.
func (dw *deadlineWriter) claimHandler() bool {
	if dw.state.CompareAndSwap(writerUnclaimed, writerHandler) {
		return true
	}
	return dw.state.Load() == writerHandler
}

func (dw *deadlineWriter) WriteHeader(code int) {
	if !dw.claimHandler() {
		return
	}
	dw.ResponseWriter.WriteHeader(code)
}

func (dw *deadlineWriter) Write(b []byte) (int, error) {
	if !dw.claimHandler() {
		return 0, http.ErrHandlerTimeout
	}
	return dw.ResponseWriter.Write(b)
}
