package main

import (
	"fmt"
	"log"
	"os"
	"strings"
	"sync/atomic"
)

type LogLevel int32

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

var levelNames = map[string]LogLevel{
	"debug":   LevelDebug,
	"info":    LevelInfo,
	"warn":    LevelWarn,
	"warning": LevelWarn,
	"error":   LevelError,
}

var levelLabels = [...]string{"DEBUG", "INFO", "WARN", "ERROR"}

var currentLevel int32 = int32(LevelInfo)

var baseLogger = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lmicroseconds)

// SetLogLevel sets the minimum level from LOG_LEVEL. Unknown names are ignored.
func SetLogLevel(s string) {
	l, ok := levelNames[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return
	}
	atomic.StoreInt32(&currentLevel, int32(l))
}

func enabled(l LogLevel) bool { return LogLevel(atomic.LoadInt32(&currentLevel)) <= l }

// Logger writes "LEVEL [TAG] message" lines for one component.
type Logger struct {
	tag string
}

func newLogger(tag string) *Logger { return &Logger{tag: tag} }

var (
	stdLog      = newLogger("")
	cacheLog    = newLogger("CACHE")
	storeLog    = newLogger("STORE")
	eventsLog   = newLogger("EVENTS")
	exportLog   = newLogger("EXPORT")
	cleanupLog  = newLogger("CLEANUP")
	backfillLog = newLogger("BACKFILL")
	upstreamLog = newLogger("UPSTREAM")
	viewLog     = newLogger("VIEW")
)

func (l *Logger) logf(lvl LogLevel, format string, args ...interface{}) {
	if !enabled(lvl) {
		return
	}
	msg := format
	// already formatted text may carry literal '%'
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	if l.tag == "" {
		baseLogger.Printf("%s %s", levelLabels[lvl], msg)
		return
	}
	baseLogger.Printf("%s [%s] %s", levelLabels[lvl], l.tag, msg)
}

func (l *Logger) Debugf(format string, a ...interface{}) { l.logf(LevelDebug, format, a...) }
func (l *Logger) Infof(format string, a ...interface{})  { l.logf(LevelInfo, format, a...) }
func (l *Logger) Warnf(format string, a ...interface{})  { l.logf(LevelWarn, format, a...) }
func (l *Logger) Errorf(format string, a ...interface{}) { l.logf(LevelError, format, a...) }

func Debugf(format string, a ...interface{}) { stdLog.Debugf(format, a...) }
func Infof(format string, a ...interface{})  { stdLog.Infof(format, a...) }
func Warnf(format string, a ...interface{})  { stdLog.Warnf(format, a...) }
func Errorf(format string, a ...interface{}) { stdLog.Errorf(format, a...) }
