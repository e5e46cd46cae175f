package logger

import (
	"b3cifuzz/config"
	"b3cifuzz/pkg/telemetry"
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel/log"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type LoggerParams struct {
	fx.In
	Lc        fx.Lifecycle
	AppConfig *config.AppConfig
	Telemetry telemetry.Telemetry `optional:"true"`
}

func NewLogger(p LoggerParams) *zap.Logger {
	level := ParseLevel(p.AppConfig.LogLevel)

	cfg := zap.NewDevelopmentConfig()
	if level > zapcore.InfoLevel {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(level)

	var opts []zap.Option
	if p.Telemetry != nil && p.Telemetry.GetLogger() != nil {
		ctx, cancel := context.WithCancel(context.Background())
		p.Lc.Append(fx.StopHook(cancel))

		otelLogger := p.Telemetry.GetLogger()
		opts = append(opts, zap.WrapCore(func(core zapcore.Core) zapcore.Core {
			return newBridgeCore(ctx, core, otelLogger, p.AppConfig.ServiceName)
		}))
	}

	lg, err := cfg.Build(opts...)
	if err != nil {
		// log failed to build, return a default one
		return zap.NewExample()
	}
	return lg.Named(p.AppConfig.ServiceName)
}

// ParseLevel maps LOG_LEVEL values onto zap levels, defaulting to info.
func ParseLevel(raw string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	}
	return zapcore.InfoLevel
}

// bridgeCore writes every entry to the wrapped core and emits a copy to an
// OpenTelemetry logger.
type bridgeCore struct {
	zapcore.Core
	ctx    context.Context
	otel   log.Logger
	fields []zapcore.Field // collected through With, encoded on every emit
}

func newBridgeCore(ctx context.Context, core zapcore.Core, otel log.Logger, service string) *bridgeCore {
	return &bridgeCore{
		Core:   core,
		ctx:    ctx,
		otel:   otel,
		fields: []zapcore.Field{zap.String("service.name", service)},
	}
}

func (c *bridgeCore) With(fields []zapcore.Field) zapcore.Core {
	return &bridgeCore{
		Core:   c.Core.With(fields),
		ctx:    c.ctx,
		otel:   c.otel,
		fields: append(slices.Clip(c.fields), fields...),
	}
}

func (c *bridgeCore) Check(ent zapcore.Entry, checked *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return checked.AddCore(ent, c)
	}
	return checked
}

func (c *bridgeCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	if err := c.Core.Write(ent, fields); err != nil {
		return err
	}

	var rec log.Record
	rec.SetTimestamp(ent.Time)
	rec.SetSeverity(severity(ent.Level))
	rec.SetSeverityText(ent.Level.String())
	rec.SetBody(log.StringValue(ent.Message))
	if ent.LoggerName != "" {
		rec.AddAttributes(log.String("logger", ent.LoggerName))
	}

	enc := zapcore.NewMapObjectEncoder()
	for _, f := range c.fields {
		f.AddTo(enc)
	}
	for _, f := range fields {
		f.AddTo(enc)
	}
	for k, v := range enc.Fields {
		rec.AddAttributes(log.KeyValue{Key: k, Value: logValue(v)})
	}

	c.otel.Emit(c.ctx, rec)
	return nil
}

func severity(l zapcore.Level) log.Severity {
	switch l {
	case zapcore.DebugLevel:
		return log.SeverityDebug
	case zapcore.InfoLevel:
		return log.SeverityInfo
	case zapcore.WarnLevel:
		return log.SeverityWarn
	case zapcore.ErrorLevel:
		return log.SeverityError
	}
	return log.SeverityFatal
}

func logValue(v any) log.Value {
	switch v := v.(type) {
	case string:
		return log.StringValue(v)
	case bool:
		return log.BoolValue(v)
	case int:
		return log.IntValue(v)
	case int64:
		return log.Int64Value(v)
	case int32:
		return log.Int64Value(int64(v))
	case uint64:
		return log.Int64Value(int64(v))
	case uint32:
		return log.Int64Value(int64(v))
	case float64:
		return log.Float64Value(v)
	case time.Duration:
		return log.StringValue(v.String())
	case time.Time:
		return log.StringValue(v.Format(time.RFC3339Nano))
	}
	return log.StringValue(fmt.Sprint(v))
}
