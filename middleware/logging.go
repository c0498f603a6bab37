package middleware

import (
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/ulyssepence/rtt/config"
	"github.com/ulyssepence/rtt/errors"
	"github.com/ulyssepence/rtt/metrics"
)

type responseWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func wrapResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{ResponseWriter: w, status: http.StatusOK}
}

func (rw *responseWriter) WriteHeader(code int) {
	if rw.wroteHeader {
		return
	}

	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
	rw.wroteHeader = true
}

func LogRequest(handlerName string) func(httprouter.Handle) httprouter.Handle {
	return func(next httprouter.Handle) httprouter.Handle {
		fn := func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
			start := time.Now()
			wrapped := wrapResponseWriter(w)

			defer func() {
				if err := recover(); err != nil {
					errors.WriteHTTPInternalServerError(wrapped, "Internal Server Error", nil)
					_ = config.Logger.Log("err", err, "trace", debug.Stack())
				}
				metrics.Metrics.Search.RequestCount.
					WithLabelValues(handlerName, strconv.Itoa(wrapped.status)).Inc()
				metrics.Metrics.Search.RequestDurationSec.
					WithLabelValues(handlerName).Observe(time.Since(start).Seconds())
			}()

			next(wrapped, r, ps)
			_ = config.Logger.Log(
				"remote", r.RemoteAddr,
				"proto", r.Proto,
				"method", r.Method,
				"uri", r.URL.RequestURI(),
				"status", wrapped.status,
				"duration", time.Since(start),
			)
		}
		return fn
	}
}
