// Copyright 2018 The gVisor Authors.
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
	"os"
	"runtime"
	"strings"
	"time"
)

// GoogleEmitter is a wrapper that emits logs in a format compatible with
// package github.com/golang/glog.
type GoogleEmitter struct {
	// Emitter is the underlying emitter.
	Emitter
}

// pid is used for the threadid component of the header. glog pads it to
// seven columns.
var pid = fmt.Sprintf("%7d", os.Getpid())

// levelChar maps a level to the glog severity letter.
func levelChar(level Level) byte {
	switch level {
	case Debug:
		return 'D'
	case Info:
		return 'I'
	default:
		return 'W'
	}
}

// Emit emits the message, google-style.
//
// Log lines have this form:
//
//	Lmmdd hh:mm:ss.uuuuuu threadid file:line] msg...
func (g GoogleEmitter) Emit(depth int, level Level, timestamp time.Time, format string, args ...any) {
	caller := "x:0"
	if _, file, line, ok := runtime.Caller(depth + 1); ok {
		if slash := strings.LastIndexByte(file, '/'); slash >= 0 {
			file = file[slash+1:]
		}
		caller = fmt.Sprintf("%s:%d", file, line)
	}

	var b strings.Builder
	b.Grow(64 + len(format))
	b.WriteByte(levelChar(level))
	b.WriteString(timestamp.Format("0102 15:04:05.000000"))
	b.WriteByte(' ')
	b.WriteString(pid)
	b.WriteByte(' ')
	b.WriteString(caller)
	b.WriteString("] ")
	b.WriteString(format)
	b.WriteByte('\n')

	g.Emitter.Emit(depth+1, level, timestamp, b.String(), args...)
}
