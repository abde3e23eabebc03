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
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// RateLimited is a Logger that forwards at most burst messages per interval
// and counts the rest. The count of suppressed messages is reported with the
// next message that gets through.
type RateLimited struct {
	logger     Logger
	limit      *rate.Limiter
	suppressed atomic.Uint64
}

func (rl *RateLimited) allow() (uint64, bool) {
	if !rl.limit.Allow() {
		rl.suppressed.Add(1)
		return 0, false
	}
	return rl.suppressed.Swap(0), true
}

func (rl *RateLimited) log(emit func(string, ...any), format string, v []any) {
	n, ok := rl.allow()
	if !ok {
		return
	}
	if n > 0 {
		emit("(%d similar messages suppressed)", n)
	}
	emit(format, v...)
}

// Debugf implements Logger.Debugf.
func (rl *RateLimited) Debugf(format string, v ...any) {
	if rl.logger.IsLogging(Debug) {
		rl.log(rl.logger.Debugf, format, v)
	}
}

// Infof implements Logger.Infof.
func (rl *RateLimited) Infof(format string, v ...any) {
	if rl.logger.IsLogging(Info) {
		rl.log(rl.logger.Infof, format, v)
	}
}

// Warningf implements Logger.Warningf.
func (rl *RateLimited) Warningf(format string, v ...any) {
	rl.log(rl.logger.Warningf, format, v)
}

// IsLogging implements Logger.IsLogging.
func (rl *RateLimited) IsLogging(level Level) bool {
	return rl.logger.IsLogging(level)
}

// Suppressed returns the number of messages dropped since the last one that
// was forwarded.
func (rl *RateLimited) Suppressed() uint64 {
	return rl.suppressed.Load()
}

// BasicRateLimitedLogger returns a Logger that logs to the global logger no
// more than burst times per the provided duration.
func BasicRateLimitedLogger(every time.Duration, burst int) *RateLimited {
	return RateLimitedLogger(globalLogger{}, every, burst)
}

// RateLimitedLogger returns a Logger that logs to the provided logger no more
// than burst times per the provided duration.
func RateLimitedLogger(logger Logger, every time.Duration, burst int) *RateLimited {
	return &RateLimited{
		logger: logger,
		limit:  rate.NewLimiter(rate.Every(every), burst),
	}
}

// globalLogger resolves the global logger on every call, so a rate limited
// logger created early follows later SetTarget calls.
type globalLogger struct{}

func (globalLogger) Debugf(format string, v ...any) { Log().DebugfAtDepth(2, format, v...) }

func (globalLogger) Infof(format string, v ...any) { Log().InfofAtDepth(2, format, v...) }

func (globalLogger) Warningf(format string, v ...any) { Log().WarningfAtDepth(2, format, v...) }

func (globalLogger) IsLogging(level Level) bool { return Log().IsLogging(level) }
