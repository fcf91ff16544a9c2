// Copyright The NRI Plugins Authors. All Rights Reserved.
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
	"log/slog"
	"strings"
	"sync"

	"k8s.io/klog/v2"
)

// Level describes the severity of a log message.
type Level int32

const (
	// LevelDebug is the severity for debug messages.
	LevelDebug Level = iota
	// LevelInfo is the severity for informational messages.
	LevelInfo
	// LevelWarn is the severity for warnings.
	LevelWarn
	// LevelError is the severity for errors.
	LevelError
	// LevelPanic is the severity for panic messages.
	LevelPanic
	// LevelFatal is the severity for fatal errors.
	LevelFatal
)

// Logger is the interface for producing log messages for a source.
type Logger interface {
	// Debug formats and emits a debug message.
	Debug(format string, args ...interface{})
	// Info formats and emits an informational message.
	Info(format string, args ...interface{})
	// Warn formats and emits a warning message.
	Warn(format string, args ...interface{})
	// Error formats and emits an error message.
	Error(format string, args ...interface{})
	// Panic formats and emits an error message then panics with the same.
	Panic(format string, args ...interface{})
	// Fatal formats and emits an error message and os.Exit()'s with status 1.
	Fatal(format string, args ...interface{})

	// Debugf is an alias for Debug.
	Debugf(format string, args ...interface{})
	// Infof is an alias for Info.
	Infof(format string, args ...interface{})
	// Warnf is an alias for Warn.
	Warnf(format string, args ...interface{})
	// Errorf is an alias for Error.
	Errorf(format string, args ...interface{})

	// DebugBlock formats and emits a multiline debug message.
	DebugBlock(prefix string, format string, args ...interface{})
	// InfoBlock formats and emits a multiline information message.
	InfoBlock(prefix string, format string, args ...interface{})
	// WarnBlock formats and emits a multiline warning message.
	WarnBlock(prefix string, format string, args ...interface{})
	// ErrorBlock formats and emits a multiline error message.
	ErrorBlock(prefix string, format string, args ...interface{})

	// EnableDebug enables/disables debug messages for this Logger.
	EnableDebug(bool) bool
	// DebugEnabled checks if debug messages are enabled for this Logger.
	DebugEnabled() bool

	// Source returns the source name of this Logger.
	Source() string

	// SlogHandler returns an slog.Handler backed by this Logger.
	SlogHandler() slog.Handler
}

// logger implements Logger for a single source.
type logger struct {
	source string
}

// logging is our shared logging state.
type logging struct {
	sync.Mutex
	level   Level  // minimum severity to pass through
	dbgmap  srcmap // per-source debugging state
	forced  bool   // whether debugging is forced on for all sources
	prefix  bool   // whether to prefix messages with their source
	sources map[string]logger
	aligned map[string]string // source prefixes aligned to maxalign
	maxlen  int
}

const (
	// maximum prefix length before alignment is given up on
	maxalign = 24
	// defaultSource is the source of the default Logger
	defaultSource = "default"
)

var log = &logging{
	level:   DefaultLevel,
	sources: make(map[string]logger),
	aligned: make(map[string]string),
}

var deflog = log.get(defaultSource)

// Default returns the default Logger.
func Default() Logger {
	return deflog
}

// NewLogger creates a Logger for the given source.
func NewLogger(source string) Logger {
	log.Lock()
	defer log.Unlock()
	return log.get(source)
}

// Get returns the Logger for the given source, creating one if necessary.
func Get(source string) Logger {
	return NewLogger(source)
}

// SetLevel sets the minimum severity of messages to pass through.
func SetLevel(level Level) {
	log.Lock()
	defer log.Unlock()
	log.level = level
}

// EnableDebug enables or disables debugging for the given source.
func EnableDebug(source string, enabled bool) bool {
	log.Lock()
	defer log.Unlock()
	old := log.debugging(source)
	if log.dbgmap == nil {
		log.dbgmap = make(srcmap)
	}
	log.dbgmap[source] = enabled
	return old
}

// Flush flushes any pending log messages.
func Flush() {
	klog.Flush()
}

// get returns the logger for a source, creating it if necessary. Callers
// other than package initialization must hold the logging lock.
func (l *logging) get(source string) logger {
	if lgr, ok := l.sources[source]; ok {
		return lgr
	}

	lgr := logger{source: source}
	l.sources[source] = lgr
	if len(source) > l.maxlen && len(source) <= maxalign {
		l.maxlen = len(source)
		l.realign()
	} else {
		l.aligned[source] = l.mkprefix(source)
	}

	return lgr
}

// mkprefix produces the aligned message prefix for a source.
func (l *logging) mkprefix(source string) string {
	pad := l.maxlen - len(source)
	if pad < 0 {
		pad = 0
	}
	return "[" + strings.Repeat(" ", pad/2) + source + strings.Repeat(" ", pad-pad/2) + "] "
}

// realign regenerates all aligned prefixes after maxlen has changed.
func (l *logging) realign() {
	for source := range l.sources {
		l.aligned[source] = l.mkprefix(source)
	}
}

// setDbgMap replaces the per-source debugging configuration.
func (l *logging) setDbgMap(m srcmap) {
	l.dbgmap = m
	l.forced = m["*"]
}

// setPrefix controls whether messages are prefixed with their source.
func (l *logging) setPrefix(prefix bool) {
	l.prefix = prefix
}

// debugging returns the debugging state of a source.
func (l *logging) debugging(source string) bool {
	if l.forced {
		return true
	}
	if state, ok := l.dbgmap[source]; ok {
		return state
	}
	return l.dbgmap["*"]
}

// format produces the final message for a source.
func (l *logging) format(source, format string, args ...interface{}) string {
	msg := fmt.Sprintf(format, args...)
	if !l.prefix {
		return msg
	}
	if prefix, ok := l.aligned[source]; ok {
		return prefix + msg
	}
	return "[" + source + "] " + msg
}

const depth = 2 // stack depth of the original log invocation

func (l logger) Debug(format string, args ...interface{}) {
	if !l.DebugEnabled() {
		return
	}
	klog.InfoDepth(depth, log.format(l.source, "D: "+format, args...))
}

func (l logger) Info(format string, args ...interface{}) {
	if log.level > LevelInfo {
		return
	}
	klog.InfoDepth(depth, log.format(l.source, format, args...))
}

func (l logger) Warn(format string, args ...interface{}) {
	if log.level > LevelWarn {
		return
	}
	klog.WarningDepth(depth, log.format(l.source, format, args...))
}

func (l logger) Error(format string, args ...interface{}) {
	klog.ErrorDepth(depth, log.format(l.source, format, args...))
}

func (l logger) Panic(format string, args ...interface{}) {
	msg := log.format(l.source, format, args...)
	klog.ErrorDepth(depth, msg)
	panic(msg)
}

func (l logger) Fatal(format string, args ...interface{}) {
	klog.ExitDepth(depth, log.format(l.source, format, args...))
}

func (l logger) Debugf(format string, args ...interface{}) { l.Debug(format, args...) }
func (l logger) Infof(format string, args ...interface{})  { l.Info(format, args...) }
func (l logger) Warnf(format string, args ...interface{})  { l.Warn(format, args...) }
func (l logger) Errorf(format string, args ...interface{}) { l.Error(format, args...) }

// block splits a formatted message to lines and emits each with fn.
func (l logger) block(fn func(string, ...interface{}), prefix, format string, args ...interface{}) {
	for _, line := range strings.Split(fmt.Sprintf(format, args...), "\n") {
		fn("%s%s", prefix, line)
	}
}

func (l logger) DebugBlock(prefix string, format string, args ...interface{}) {
	if !l.DebugEnabled() {
		return
	}
	l.block(l.Debug, prefix, format, args...)
}

func (l logger) InfoBlock(prefix string, format string, args ...interface{}) {
	l.block(l.Info, prefix, format, args...)
}

func (l logger) WarnBlock(prefix string, format string, args ...interface{}) {
	l.block(l.Warn, prefix, format, args...)
}

func (l logger) ErrorBlock(prefix string, format string, args ...interface{}) {
	l.block(l.Error, prefix, format, args...)
}

func (l logger) EnableDebug(enabled bool) bool {
	return EnableDebug(l.source, enabled)
}

func (l logger) DebugEnabled() bool {
	log.Lock()
	defer log.Unlock()
	return log.debugging(l.source) && log.level <= LevelDebug
}

func (l logger) Source() string {
	return l.source
}

// loggerError returns a package-specific formatted error.
func loggerError(format string, args ...interface{}) error {
	return fmt.Errorf("logger: "+format, args...)
}
