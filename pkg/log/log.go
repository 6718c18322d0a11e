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
	"os"
	"strings"
	"sync"

	"k8s.io/klog/v2"
)

// Level describes the severity of a log message.
type Level int

const (
	// LevelDebug is the severity for debug messages.
	LevelDebug Level = iota
	// LevelInfo is the severity for informational messages.
	LevelInfo
	// LevelWarn is the severity for warnings.
	LevelWarn
	// LevelError is the severity for errors.
	LevelError
)

const (
	// DefaultLevel is the default logging severity level.
	DefaultLevel = LevelInfo
	// debugEnvVar is the environment variable used to seed debugging flags.
	debugEnvVar = "PAGEPOOL_DEBUG"
)

// Logger is the interface for producing log messages for a source.
type Logger interface {
	Debug(format string, args ...interface{})
	Info(format string, args ...interface{})
	Warn(format string, args ...interface{})
	Error(format string, args ...interface{})
	Panic(format string, args ...interface{})

	// DebugEnabled returns true if debug messages are enabled for the source.
	DebugEnabled() bool
	// Source returns the source of the logger.
	Source() string
}

// logging is our shared logging state.
type logging struct {
	sync.RWMutex
	level   Level
	loggers map[string]logger
	dbgmap  srcmap
}

// logger implements Logger for a single source.
type logger struct {
	source string
}

// srcmap tracks debugging settings for sources.
type srcmap map[string]bool

var log = &logging{
	level:   DefaultLevel,
	loggers: make(map[string]logger),
}

// Get returns the named Logger, creating it if necessary.
func Get(source string) Logger {
	log.Lock()
	defer log.Unlock()
	return log.get(source)
}

// Default returns the default Logger.
func Default() Logger {
	return Get("default")
}

// SetLevel sets the logging severity level.
func SetLevel(level Level) {
	log.Lock()
	defer log.Unlock()
	log.level = level
}

// EnableDebug enables or disables debug messages for the given source.
func EnableDebug(source string, enabled bool) {
	log.Lock()
	defer log.Unlock()
	if log.dbgmap == nil {
		log.dbgmap = make(srcmap)
	}
	log.dbgmap[source] = enabled
}

func (l *logging) get(source string) logger {
	lg, ok := l.loggers[source]
	if !ok {
		lg = logger{source: source}
		l.loggers[source] = lg
	}
	return lg
}

func (l *logging) debugEnabled(source string) bool {
	if enabled, ok := l.dbgmap[source]; ok {
		return enabled
	}
	if enabled, ok := l.dbgmap["*"]; ok {
		return enabled
	}
	return l.level <= LevelDebug
}

func (l logger) prefix(format string) string {
	return "[" + l.source + "] " + format
}

func (l logger) Debug(format string, args ...interface{}) {
	log.RLock()
	defer log.RUnlock()
	if !log.debugEnabled(l.source) {
		return
	}
	klog.InfoDepth(1, fmt.Sprintf(l.prefix("D: "+format), args...))
}

func (l logger) Info(format string, args ...interface{}) {
	log.RLock()
	defer log.RUnlock()
	if log.level > LevelInfo {
		return
	}
	klog.InfoDepth(1, fmt.Sprintf(l.prefix(format), args...))
}

func (l logger) Warn(format string, args ...interface{}) {
	log.RLock()
	defer log.RUnlock()
	if log.level > LevelWarn {
		return
	}
	klog.WarningDepth(1, fmt.Sprintf(l.prefix(format), args...))
}

func (l logger) Error(format string, args ...interface{}) {
	log.RLock()
	defer log.RUnlock()
	klog.ErrorDepth(1, fmt.Sprintf(l.prefix(format), args...))
}

// Panic logs the formatted message as an error, then panics with it.
func (l logger) Panic(format string, args ...interface{}) {
	msg := fmt.Sprintf(l.prefix(format), args...)
	klog.ErrorDepth(1, msg)
	panic(msg)
}

func (l logger) DebugEnabled() bool {
	log.RLock()
	defer log.RUnlock()
	return log.debugEnabled(l.source)
}

func (l logger) Source() string {
	return l.source
}

// parse parses the given string and updates the srcmap accordingly.
func (m *srcmap) parse(value string) error {
	if *m == nil {
		*m = make(srcmap)
	}
	if value = strings.TrimSpace(value); value == "" {
		return nil
	}

	prev, state, src := "", "", ""
	for _, entry := range strings.Split(value, ",") {
		if entry = strings.TrimSpace(entry); entry == "" {
			continue
		}
		statesrc := strings.Split(entry, ":")
		switch len(statesrc) {
		case 2:
			state, src = statesrc[0], strings.TrimSpace(statesrc[1])
		case 1:
			state, src = "", strings.TrimSpace(statesrc[0])
		default:
			return fmt.Errorf("log: invalid state spec '%s' in source map", entry)
		}
		if state != "" {
			prev = state
		} else {
			state = prev
			if state == "" {
				state = "on"
			}
		}

		if src == "all" {
			src = "*"
		}

		var enabled bool
		switch strings.ToLower(state) {
		case "on", "true", "enabled", "1":
			enabled = true
		case "off", "false", "disabled", "0":
			enabled = false
		default:
			return fmt.Errorf("log: invalid state '%s' in source map", state)
		}
		(*m)[src] = enabled
	}

	return nil
}

// Initialize debug logging from the environment.
func init() {
	value, ok := os.LookupEnv(debugEnvVar)
	if !ok {
		return
	}

	dbgmap := make(srcmap)
	if err := dbgmap.parse(value); err != nil {
		Default().Error("failed to parse %s %q: %v", debugEnvVar, value, err)
		return
	}

	log.Lock()
	defer log.Unlock()
	log.dbgmap = dbgmap
}
