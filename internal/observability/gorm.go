package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

const (
	gormSpanKey        = "channelsync:gorm:span"
	gormStartTimeKey   = "channelsync:gorm:start"
	gormTimingStartKey = "channelsync:gorm:timing_start"
	gormTimingName     = "channelsync_server_timing"
)

type gormRegistrar interface {
	Register(name string, fn func(*gorm.DB)) error
}

// gormChain is one GORM callback chain with the SQL verb it reports.
type gormChain struct {
	name      string
	operation string
	before    gormRegistrar
	after     gormRegistrar
}

func gormChains(db *gorm.DB) []gormChain {
	cb := db.Callback()
	return []gormChain{
		{"query", "SELECT", cb.Query().Before("gorm:query"), cb.Query().After("gorm:query")},
		{"create", "INSERT", cb.Create().Before("gorm:create"), cb.Create().After("gorm:create")},
		{"update", "UPDATE", cb.Update().Before("gorm:update"), cb.Update().After("gorm:update")},
		{"delete", "DELETE", cb.Delete().Before("gorm:delete"), cb.Delete().After("gorm:delete")},
		{"row", "ROW", cb.Row().Before("gorm:row"), cb.Row().After("gorm:row")},
		{"raw", "RAW", cb.Raw().Before("gorm:raw"), cb.Raw().After("gorm:raw")},
	}
}

// RegisterGORMCallbacks adds a span and a duration metric per database
// statement. It does nothing unless detailed DB tracing is enabled.
func RegisterGORMCallbacks(db *gorm.DB, cfg *Config) error {
	if cfg == nil || cfg.TracerProvider == nil || !cfg.EnableDetailedDBTracing {
		return nil
	}
	tracer := cfg.Tracer()
	for _, c := range gormChains(db) {
		spanName, op := "db."+c.name, c.operation
		if err := c.before.Register("channelsync:before_"+c.name, func(db *gorm.DB) {
			startSpan(db, tracer, spanName)
		}); err != nil {
			return err
		}
		if err := c.after.Register("channelsync:after_"+c.name, func(db *gorm.DB) {
			endSpan(db, tracer, cfg, op)
		}); err != nil {
			return err
		}
	}
	return nil
}

// RegisterServerTimingCallbacks adds the duration of every statement to the
// DBTimeAccumulator in the statement's context. It works without OpenTelemetry.
func RegisterServerTimingCallbacks(db *gorm.DB) error {
	for _, c := range gormChains(db) {
		if err := c.before.Register(gormTimingName+":before_"+c.name, beforeTiming); err != nil {
			return err
		}
		if err := c.after.Register(gormTimingName+":after_"+c.name, afterTiming); err != nil {
			return err
		}
	}
	return nil
}

func beforeTiming(db *gorm.DB) {
	db.InstanceSet(gormTimingStartKey, time.Now())
}

func afterTiming(db *gorm.DB) {
	v, ok := db.InstanceGet(gormTimingStartKey)
	if !ok {
		return
	}
	start, ok := v.(time.Time)
	if !ok {
		return
	}
	if db.Statement != nil && db.Statement.Context != nil {
		AddDBTime(db.Statement.Context, time.Since(start))
	}
}

func startSpan(db *gorm.DB, tracer *Tracer, spanName string) {
	ctx := db.Statement.Context
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := tracer.StartSpan(ctx, spanName, attribute.String("db.system", db.Dialector.Name()))
	db.Statement.Context = ctx
	db.InstanceSet(gormSpanKey, span)
	db.InstanceSet(gormStartTimeKey, time.Now())
}

func endSpan(db *gorm.DB, tracer *Tracer, cfg *Config, operation string) {
	v, ok := db.InstanceGet(gormSpanKey)
	if !ok {
		return
	}
	span, ok := v.(trace.Span)
	if !ok {
		return
	}
	defer span.End()

	if db.Statement != nil {
		if db.Statement.Table != "" {
			span.SetAttributes(attribute.String("db.sql.table", db.Statement.Table))
		}
		span.SetAttributes(attribute.Int64("db.rows_affected", db.RowsAffected))
	}
	tracer.RecordError(span, db.Error)

	if v, ok := db.InstanceGet(gormStartTimeKey); ok {
		if start, ok := v.(time.Time); ok {
			cfg.Metrics().RecordDBQuery(db.Statement.Context, operation, time.Since(start))
		}
	}
}
