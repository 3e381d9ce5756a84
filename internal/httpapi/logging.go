package httpapi

import (
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// zlog is the HTTP layer logger. It discards until SetLogger is called.
var zlog = zerolog.Nop()

// SetLogger installs the structured logger used by the HTTP layer.
func SetLogger(l zerolog.Logger) { zlog = l }

// LogLevel controls per-request logging.
type LogLevel int

const (
	LevelOff LogLevel = iota
	LevelError
	LevelInfo
	LevelDebug
)

func parseLevel(s string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "off", "":
		return LevelOff
	case "error":
		return LevelError
	case "info":
		return LevelInfo
	case "debug", "1":
		return LevelDebug
	default:
		return LevelInfo
	}
}

// defaultLogLevel is read once from LOCALLAB_HTTP_LOG_LEVEL.
var defaultLogLevel = parseLevel(os.Getenv("LOCALLAB_HTTP_LOG_LEVEL"))

// requestLogLevel honors ?log= and X-Log-Level overrides.
func requestLogLevel(r *http.Request) LogLevel {
	if v := r.URL.Query().Get("log"); v != "" {
		return parseLevel(v)
	}
	if v := r.Header.Get("X-Log-Level"); v != "" {
		return parseLevel(v)
	}
	return defaultLogLevel
}

// reqLog carries one request's logging decisions.
type reqLog struct {
	lvl   LogLevel
	start time.Time
	path  string
	rid   string
}

func newReqLog(r *http.Request) reqLog {
	return reqLog{lvl: requestLogLevel(r), start: time.Now(), path: r.URL.Path, rid: middleware.GetReqID(r.Context())}
}

func (l reqLog) event(e *zerolog.Event) *zerolog.Event {
	e = e.Str("path", l.path)
	if l.rid != "" {
		e = e.Str("request_id", l.rid)
	}
	return e
}

func (l reqLog) begin(model string) {
	if l.lvl < LevelInfo {
		return
	}
	l.event(zlog.Info()).Str("model", model).Msg("generate start")
}

// end logs completion. Failures log at LevelError and above.
func (l reqLog) end(status int, err error) {
	switch {
	case err != nil && l.lvl >= LevelError:
		l.event(zlog.Error()).Int("status", status).Dur("dur", time.Since(l.start)).Err(err).Msg("generate end")
	case err == nil && l.lvl >= LevelInfo:
		l.event(zlog.Info()).Int("status", status).Dur("dur", time.Since(l.start)).Msg("generate end")
	}
}

// fragment logs a streamed NDJSON line at debug level.
func (l reqLog) fragment(line []byte) {
	if l.lvl < LevelDebug {
		return
	}
	l.event(zlog.Debug()).Str("line", strings.TrimRight(string(line), "\n")).Msg("stream>")
}
