// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// LogrusEmitter forwards messages to a logrus logger. It is used by host
// tooling that already reports through logrus formatters and hooks.
type LogrusEmitter struct {
	Logger *logrus.Logger
	Fields logrus.Fields
}

// NewLogrusEmitter returns an emitter writing text records to the standard
// logrus logger.
func NewLogrusEmitter(fields logrus.Fields) *LogrusEmitter {
	l := logrus.StandardLogger()
	l.SetLevel(logrus.DebugLevel)
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339Nano,
	})
	return &LogrusEmitter{Logger: l, Fields: fields}
}

// Emit implements Emitter.Emit.
func (e *LogrusEmitter) Emit(_ int, level Level, timestamp time.Time, format string, v ...any) {
	entry := e.Logger.WithTime(timestamp)
	if len(e.Fields) > 0 {
		entry = entry.WithFields(e.Fields)
	}
	msg := fmt.Sprintf(format, v...)
	switch level {
	case Warning:
		entry.Warn(msg)
	case Info:
		entry.Info(msg)
	default:
		entry.Debug(msg)
	}
}
