// Copyright 2022 The gVisor Authors.
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

// rateLimitedLogger forwards messages to logger while limit allows it. The
// number of messages dropped in between is reported with the next message
// that gets through.
type rateLimitedLogger struct {
	logger     Logger
	limit      *rate.Limiter
	suppressed atomic.Uint64
}

func (rl *rateLimitedLogger) emit(f func(string, ...any), format string, v []any) {
	if !rl.limit.Allow() {
		rl.suppressed.Add(1)
		return
	}
	if n := rl.suppressed.Swap(0); n > 0 {
		format += " (%d similar messages suppressed)"
		v = append(v, n)
	}
	f(format, v...)
}

func (rl *rateLimitedLogger) Debugf(format string, v ...any) {
	if rl.logger.IsLogging(Debug) {
		rl.emit(rl.logger.Debugf, format, v)
	}
}

func (rl *rateLimitedLogger) Infof(format string, v ...any) {
	if rl.logger.IsLogging(Info) {
		rl.emit(rl.logger.Infof, format, v)
	}
}

func (rl *rateLimitedLogger) Warningf(format string, v ...any) {
	rl.emit(rl.logger.Warningf, format, v)
}

func (rl *rateLimitedLogger) IsLogging(level Level) bool {
	return rl.logger.IsLogging(level)
}

// RateLimitedLogger returns a Logger that logs to the provided logger no more
// than once per the provided duration, allowing bursts of up to burst
// messages. A non-positive every disables limiting and returns logger.
func RateLimitedLogger(logger Logger, every time.Duration, burst int) Logger {
	if every <= 0 {
		return logger
	}
	if burst < 1 {
		burst = 1
	}
	return &rateLimitedLogger{
		logger: logger,
		limit:  rate.NewLimiter(rate.Every(every), burst),
	}
}
