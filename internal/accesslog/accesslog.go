package accesslog

import (
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/wudi/gatekeeper/config"
	"github.com/wudi/gatekeeper/internal/logging"
)

// Entry is one access log record. The gateway emits exactly one per request.
type Entry struct {
	Timestamp  time.Time
	RequestID  string
	ClientAddr string
	Method     string
	URL        string
	Status     int
	BodyBytes  int64
	Latency    time.Duration
	Routes     []string
	Error      string
}

// Sink receives access log entries. Implementations must be safe for
// concurrent use.
type Sink interface {
	Log(Entry)
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(Entry)

func (f SinkFunc) Log(e Entry) { f(e) }

// ZapSink writes entries as structured "HTTP request" lines.
type ZapSink struct {
	logger *zap.Logger // nil uses the global logger at log time
	closer func() error
}

// NewZapSink returns a sink writing to l. A nil l follows the global logger.
func NewZapSink(l *zap.Logger) *ZapSink {
	return &ZapSink{logger: l}
}

// NewSink builds the sink described by cfg. An empty File writes through
// the process logger; otherwise entries go to a rotating JSON file.
func NewSink(cfg config.AccessLogConfig) *ZapSink {
	if cfg.File == "" {
		return NewZapSink(nil)
	}
	rotator := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(logging.EncoderConfig()),
		zapcore.AddSync(rotator),
		zapcore.InfoLevel,
	)
	return &ZapSink{logger: zap.New(core), closer: rotator.Close}
}

// Log implements Sink.
func (s *ZapSink) Log(e Entry) {
	l := s.logger
	if l == nil {
		l = logging.Global()
	}

	fields := make([]zap.Field, 0, 10)
	fields = append(fields,
		zap.String("request_id", e.RequestID),
		zap.String("remote_addr", e.ClientAddr),
		zap.String("method", e.Method),
		zap.String("url", e.URL),
		zap.Int("status", e.Status),
		zap.Int64("body_bytes", e.BodyBytes),
		zap.Duration("response_time", e.Latency),
	)
	if !e.Timestamp.IsZero() {
		fields = append(fields, zap.Time("started_at", e.Timestamp))
	}
	if len(e.Routes) > 0 {
		fields = append(fields, zap.Strings("routes", e.Routes))
	}
	if e.Error != "" {
		fields = append(fields, zap.String("error", e.Error))
	}

	l.Info("HTTP request", fields...)
}

// Close flushes and closes the rotating file, if any.
func (s *ZapSink) Close() error {
	if s.logger != nil {
		_ = s.logger.Sync()
	}
	if s.closer != nil {
		return s.closer()
	}
	return nil
}

// ClientIP returns the originating client address: the first
// X-Forwarded-For entry, then X-Real-IP, then the connection peer.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.IndexByte(xff, ','); i > 0 {
			return strings.TrimSpace(xff[:i])
		}
		return strings.TrimSpace(xff)
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
