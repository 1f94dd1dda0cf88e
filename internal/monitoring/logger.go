package monitoring

import (
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// Mode selects the sink a Logger writes to.
type Mode int

const (
	ModeInfo Mode = iota
	ModeWarn
	ModeBus
	ModeTerminal
)

func (m Mode) String() string {
	switch m {
	case ModeWarn:
		return "warn"
	case ModeBus:
		return "bus"
	case ModeTerminal:
		return "terminal"
	default:
		return "info"
	}
}

// ParseMode parses the log_mode configuration value. Empty means info.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "info":
		return ModeInfo, nil
	case "warn":
		return ModeWarn, nil
	case "bus":
		return ModeBus, nil
	case "terminal":
		return ModeTerminal, nil
	default:
		return ModeInfo, fmt.Errorf("unknown log mode %q", s)
	}
}

// Publisher is the message bus side of the bus sink.
type Publisher interface {
	Publish(topic string, payload any) error
}

// LogEntry is the payload published by the bus sink.
type LogEntry struct {
	Source  string    `json:"source"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

// Logger writes operational messages to one of four sinks. The zero value
// is not usable; construct with NewLogger.
type Logger struct {
	mode   Mode
	source string
	topic  string
	pub    Publisher
	zl     *zap.Logger

	termMu sync.Mutex
	term   io.Writer
	now    func() time.Time
}

// LoggerConfig holds the sinks available to a Logger. Missing sinks are
// tolerated: Publisher nil makes bus logging fall back to warn, Zap nil
// uses a no-op zap logger, Terminal nil discards terminal output.
type LoggerConfig struct {
	Mode      Mode
	Source    string // process name, used for the bus topic <Source>/log
	Publisher Publisher
	Zap       *zap.Logger
	Terminal  io.Writer
}

// NewLogger builds a Logger from cfg.
func NewLogger(cfg LoggerConfig) *Logger {
	zl := cfg.Zap
	if zl == nil {
		zl = zap.NewNop()
	}
	term := cfg.Terminal
	if term == nil {
		term = io.Discard
	}
	return &Logger{
		mode:   cfg.Mode,
		source: cfg.Source,
		topic:  cfg.Source + "/log",
		pub:    cfg.Publisher,
		zl:     zl.With(zap.String("source", cfg.Source)),
		term:   term,
		now:    time.Now,
	}
}

// Mode returns the construction-time mode.
func (l *Logger) Mode() Mode { return l.mode }

// Topic returns the bus topic used by ModeBus.
func (l *Logger) Topic() string { return l.topic }

// Log writes msg using the construction-time mode.
func (l *Logger) Log(msg string) {
	l.LogAs(l.mode, msg)
}

// Logf formats and writes using the construction-time mode.
func (l *Logger) Logf(format string, v ...interface{}) {
	l.LogAs(l.mode, fmt.Sprintf(format, v...))
}

// LogAs writes msg to the sink selected by mode. It never panics; a failed
// bus publish is reported through the warn sink instead.
func (l *Logger) LogAs(mode Mode, msg string) {
	switch mode {
	case ModeBus:
		l.publish(msg)
	case ModeWarn:
		l.zl.Warn(msg)
	case ModeTerminal:
		l.termMu.Lock()
		fmt.Fprintf(l.term, "%s [%s] %s\n", l.now().Format("15:04:05.000"), l.source, msg)
		l.termMu.Unlock()
	default:
		l.zl.Info(msg)
	}
}

func (l *Logger) publish(msg string) {
	if l.pub == nil {
		l.zl.Warn(msg, zap.String("sink_error", "no publisher"))
		return
	}
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("publisher panic: %v", r)
			}
		}()
		return l.pub.Publish(l.topic, LogEntry{Source: l.source, Message: msg, Time: l.now()})
	}()
	if err != nil {
		l.zl.Warn(msg, zap.String("topic", l.topic), zap.Error(err))
	}
}
