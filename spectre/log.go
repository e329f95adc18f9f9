/*
 * Copyright (c) 2025, Spectre Labs.
 * All rights reserved.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package spectre

import (
	"encoding/json"
	"fmt"
	"io"
	go_log "log"
	"os"
	"runtime"

	"github.com/sirupsen/logrus"

	"github.com/Spectre-Labs/spectre-tunnel-core/spectre/common"
	"github.com/Spectre-Labs/spectre-tunnel-core/spectre/common/errors"
)

// ContextLogger adds trace context logging functionality to the
// underlying logging package.
type ContextLogger struct {
	*logrus.Logger
}

// LogFields is an alias for the field struct in the underlying logging
// package.
type LogFields logrus.Fields

// WithTrace adds a "trace" field containing the caller's function name
// and line number. Use this function when the log has no fields.
func (logger *ContextLogger) WithTrace() *logrus.Entry {
	return logger.WithFields(
		logrus.Fields{
			"trace": getParentTrace(),
		})
}

// WithTraceFields adds a "trace" field containing the caller's function
// name and line number. Use this function when the log has fields. Note
// that any existing "trace" field will be renamed to "fields.trace".
func (logger *ContextLogger) WithTraceFields(fields LogFields) *logrus.Entry {
	_, ok := fields["trace"]
	if ok {
		fields["fields.trace"] = fields["trace"]
	}
	fields["trace"] = getParentTrace()
	return logger.WithFields(logrus.Fields(fields))
}

// LogRawFieldsWithTimestamp directly logs the supplied fields adding only
// an additional "timestamp" field. The stock "msg" and "level" fields are
// omitted, which makes these logs suitable for shipping to metrics
// consumers as-is.
func (logger *ContextLogger) LogRawFieldsWithTimestamp(fields LogFields) {
	logger.WithFields(logrus.Fields(fields)).Error(
		customJSONFormatterLogRawFieldsWithTimestamp)
}

// NewLogWriter returns an io.PipeWriter that can be used to write to the
// global logger. Caller must Close() the writer.
func NewLogWriter() *io.PipeWriter {
	return log.Writer()
}

func getParentTrace() string {
	pc, _, line, ok := runtime.Caller(2)
	if !ok {
		return "unknown"
	}
	return fmt.Sprintf("%s#%d", errors.FunctionName(pc), line)
}

// loggerAdapter bridges ContextLogger to common.Logger, so leaf packages
// log through the engine's logger without importing this package.
type loggerAdapter struct {
	logger *ContextLogger
}

func (adapter *loggerAdapter) WithTrace() common.LogTrace {
	return adapter.logger.WithFields(
		logrus.Fields{
			"trace": getParentTrace(),
		})
}

func (adapter *loggerAdapter) WithTraceFields(fields common.LogFields) common.LogTrace {
	return adapter.logger.WithTraceFields(LogFields(fields))
}

// CommonLogger wraps a ContextLogger with the common.Logger interface.
func CommonLogger(logger *ContextLogger) common.Logger {
	return &loggerAdapter{logger: logger}
}

// CustomJSONFormatter is a customized version of logrus.JSONFormatter:
// "time" is renamed to "timestamp", and there's an option to omit the
// standard "msg" and "level" fields.
type CustomJSONFormatter struct {
}

const customJSONFormatterLogRawFieldsWithTimestamp = "CustomJSONFormatter.LogRawFieldsWithTimestamp"

// Format implements logrus.Formatter.
func (f *CustomJSONFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	data := make(logrus.Fields, len(entry.Data)+3)
	for k, v := range entry.Data {
		switch v := v.(type) {
		case error:
			// Otherwise errors are ignored by `encoding/json`
			data[k] = v.Error()
		default:
			data[k] = v
		}
	}

	if t, ok := data["timestamp"]; ok {
		data["fields.timestamp"] = t
	}

	data["timestamp"] = entry.Time.Format("2006-01-02T15:04:05.000Z07:00")

	if entry.Message != customJSONFormatterLogRawFieldsWithTimestamp {

		if m, ok := data["msg"]; ok {
			data["fields.msg"] = m
		}

		if l, ok := data["level"]; ok {
			data["fields.level"] = l
		}

		data["msg"] = entry.Message
		data["level"] = entry.Level.String()
	}

	serialized, err := json.Marshal(data)
	if err != nil {
		return nil, errors.Tracef("failed to marshal fields to JSON: %v", err)
	}

	return append(serialized, '\n'), nil
}

var log *ContextLogger

// InitLogging configures the package logger according to the specified
// config params. If not called, the default logger set by the package
// init() is used.
// Concurrency note: should only be called from the main goroutine.
func InitLogging(config *Config) error {

	level, err := logrus.ParseLevel(config.LogLevel)
	if err != nil {
		return errors.Trace(err)
	}

	logWriter := io.Writer(os.Stderr)

	if config.LogFilename != "" {
		fileWriter, err := os.OpenFile(
			config.LogFilename, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
		if err != nil {
			return errors.Trace(err)
		}
		logWriter = fileWriter
	}

	log = &ContextLogger{
		&logrus.Logger{
			Out:       logWriter,
			Formatter: &CustomJSONFormatter{},
			Hooks:     make(logrus.LevelHooks),
			Level:     level,
		},
	}

	// Route standard "log" package output, emitted by dependencies, into
	// the JSON stream instead of discarding it.
	go_log.SetOutput(NewLogWriter())

	return nil
}

func init() {

	// Suppress standard "log" package logging performed by other
	// packages, which would otherwise interleave with the JSON stream.
	go_log.SetOutput(io.Discard)

	log = &ContextLogger{
		&logrus.Logger{
			Out:       os.Stderr,
			Formatter: &CustomJSONFormatter{},
			Hooks:     make(logrus.LevelHooks),
			Level:     logrus.InfoLevel,
		},
	}
}
