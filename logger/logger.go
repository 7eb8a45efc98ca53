package logger

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/sirupsen/logrus"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Fields mirrors logrus.Fields.
type Fields map[string]interface{}

// Log wraps logrus.Logger with component helpers.
type Log struct {
	*logrus.Logger
}

// Entry wraps logrus.Entry so component counters stay in sync.
type Entry struct {
	*logrus.Entry
}

var globalLogger *Log

func init() {
	globalLogger = New()
}

// New builds a JSON logger honouring LOG_LEVEL.
func New() *Log {
	l := &Log{Logger: logrus.New()}
	l.SetReportCaller(true)
	l.SetLevel(envLevel(logrus.InfoLevel))
	l.SetFormatter(newFormatter("json"))
	l.AddHook(&callerHook{})
	return l
}

// GetLogger returns the process logger.
func GetLogger() *Log {
	return globalLogger
}

// OrDefault returns l, or the process logger when l is nil.
func OrDefault(l *Log) *Log {
	if l == nil {
		return globalLogger
	}
	return l
}

func envLevel(fallback logrus.Level) logrus.Level {
	if lvl, err := logrus.ParseLevel(strings.ToLower(os.Getenv("LOG_LEVEL"))); err == nil {
		return lvl
	}
	return fallback
}

func prettyCaller(f *runtime.Frame) (string, string) {
	return "", fmt.Sprintf("%s:%d", filepath.Base(f.File), f.Line)
}

func newFormatter(format string) logrus.Formatter {
	switch format {
	case "json":
		return &logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
			CallerPrettyfier: prettyCaller,
		}
	case "text":
		return &logrus.TextFormatter{
			FullTimestamp:    true,
			TimestampFormat:  time.RFC3339,
			CallerPrettyfier: prettyCaller,
		}
	}
	return nil
}

func (l *Log) WithComponent(component string) *Entry {
	return &Entry{Entry: l.Logger.WithField("component", component)}
}

func (l *Log) WithFields(fields Fields) *Entry {
	return &Entry{Entry: l.Logger.WithFields(logrus.Fields(fields))}
}

func (l *Log) WithError(err error) *Entry {
	return &Entry{Entry: l.Logger.WithError(err)}
}

func (e *Entry) WithComponent(component string) *Entry {
	return &Entry{Entry: e.Entry.WithField("component", component)}
}

func (e *Entry) WithFields(fields Fields) *Entry {
	return &Entry{Entry: e.Entry.WithFields(logrus.Fields(fields))}
}

func (e *Entry) WithError(err error) *Entry {
	return &Entry{Entry: e.Entry.WithError(err)}
}

// WithVenue tags the entry with the venue it concerns.
func (e *Entry) WithVenue(venue string) *Entry {
	return &Entry{Entry: e.Entry.WithField("venue", venue)}
}

func (e *Entry) Warn(args ...interface{}) {
	if component, ok := e.Entry.Data["component"].(string); ok {
		recordWarn(component)
	}
	e.Entry.Warn(args...)
}

func (e *Entry) Error(args ...interface{}) {
	if component, ok := e.Entry.Data["component"].(string); ok {
		recordError(component)
	}
	e.Entry.Error(args...)
}

// LogMetric writes a structured metric line and publishes it to CloudWatch
// when a client is configured. String fields become metric dimensions.
func (e *Entry) LogMetric(metric string, value float64, metricType string, fields Fields) {
	if metricType == "" {
		metricType = "counter"
	}
	out := Fields{"metric": metric, "value": value, "metric_type": metricType}
	for k, v := range fields {
		out[k] = v
	}
	e.WithFields(out).Debug("metric")

	var dims []cwtypes.Dimension
	if component, ok := e.Entry.Data["component"].(string); ok {
		dims = append(dims, cwtypes.Dimension{Name: aws.String("component"), Value: aws.String(component)})
	}
	for k, v := range fields {
		if s, ok := v.(string); ok {
			dims = append(dims, cwtypes.Dimension{Name: aws.String(k), Value: aws.String(s)})
		}
	}
	unit := cwtypes.StandardUnitCount
	if metricType == "gauge_ms" {
		unit = cwtypes.StandardUnitMilliseconds
	}
	publishMetrics(context.Background(), []cwtypes.MetricDatum{{
		MetricName: aws.String(metric),
		Dimensions: dims,
		Unit:       unit,
		Value:      aws.Float64(value),
	}})
}

// LogDuration records how long an operation took.
func (e *Entry) LogDuration(operation string, started time.Time) {
	e.WithFields(Fields{
		"operation":   operation,
		"duration_ms": float64(time.Since(started).Nanoseconds()) / 1e6,
	}).Debug("operation finished")
}

// Configure applies level, format and output. A file output with maxAge > 0
// is rotated by lumberjack.
func (l *Log) Configure(level, format, output string, maxAge int) error {
	if env := os.Getenv("LOG_LEVEL"); env != "" {
		level = env
	}
	lvl, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		return fmt.Errorf("invalid log level '%s'", level)
	}
	formatter := newFormatter(format)
	if formatter == nil {
		return fmt.Errorf("invalid log format '%s'", format)
	}
	l.SetLevel(lvl)
	l.SetReportCaller(true)
	l.SetFormatter(formatter)

	switch output {
	case "stdout", "":
		l.SetOutput(os.Stdout)
	case "stderr":
		l.SetOutput(os.Stderr)
	default:
		if maxAge > 0 {
			l.SetOutput(&lumberjack.Logger{
				Filename: output,
				MaxAge:   maxAge,
				MaxSize:  100,
				Compress: true,
			})
			return nil
		}
		file, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o666)
		if err != nil {
			return fmt.Errorf("failed to open log file '%s': %w", output, err)
		}
		l.SetOutput(file)
	}
	return nil
}
