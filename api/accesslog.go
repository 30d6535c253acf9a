package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
)

// =============================================================================
// ACCESS LOG - chi request logging on the injected logrus logger
// =============================================================================

type accessLogFormatter struct {
	logger logrus.FieldLogger
}

// newAccessLogger returns chi middleware that writes one structured entry
// per request. Panics are logged here; Recoverer still writes the 500.
func newAccessLogger(logger logrus.FieldLogger) func(http.Handler) http.Handler {
	return middleware.RequestLogger(&accessLogFormatter{logger: logger})
}

func (f *accessLogFormatter) NewLogEntry(r *http.Request) middleware.LogEntry {
	return &accessLogEntry{logger: f.logger.WithFields(logrus.Fields{
		"request_id": middleware.GetReqID(r.Context()),
		"method":     r.Method,
		"path":       r.URL.Path,
		"remote":     r.RemoteAddr,
	})}
}

type accessLogEntry struct {
	logger logrus.FieldLogger
}

func (e *accessLogEntry) Write(status, bytes int, _ http.Header, elapsed time.Duration, _ interface{}) {
	entry := e.logger.WithFields(logrus.Fields{
		"status":      status,
		"bytes":       bytes,
		"duration_ms": elapsed.Milliseconds(),
	})
	if status >= http.StatusInternalServerError {
		entry.Warn("request completed")
		return
	}
	entry.Info("request completed")
}

func (e *accessLogEntry) Panic(v interface{}, stack []byte) {
	e.logger.WithFields(logrus.Fields{
		"panic": v,
		"stack": string(stack),
	}).Error("request panicked")
}
