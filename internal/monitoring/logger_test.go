package monitoring

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestSetLogger(t *testing.T) {
	// Save original logger
	original := Logf
	defer func() { Logf = original }()

	called := false
	SetLogger(func(format string, v ...interface{}) {
		called = true
	})
	Logf("test message")
	assert.True(t, called, "custom logger was not called")

	// nil installs a no-op
	called = false
	SetLogger(nil)
	Logf("test")
	assert.False(t, called, "no-op logger should not have triggered callback")
}

func TestLogf_Default(t *testing.T) {
	require.NotNil(t, Logf)
	assert.NotPanics(t, func() { Logf("test message: %s", "value") })
}

type fakePublisher struct {
	topic   string
	payload any
	err     error
	panics  bool
}

func (f *fakePublisher) Publish(topic string, payload any) error {
	if f.panics {
		panic("sink gone")
	}
	f.topic = topic
	f.payload = payload
	return f.err
}

func observed(t *testing.T) (*zap.Logger, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	return zap.New(core), logs
}

func TestParseMode(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]Mode{"": ModeInfo, "info": ModeInfo, "warn": ModeWarn, "bus": ModeBus, "terminal": ModeTerminal} {
		got, err := ParseMode(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseMode("syslog")
	assert.Error(t, err)
}

func TestLogger_InfoAndWarn(t *testing.T) {
	t.Parallel()

	zl, logs := observed(t)
	l := NewLogger(LoggerConfig{Mode: ModeInfo, Source: "mocap_obstacles", Zap: zl})

	l.Log("hello")
	l.LogAs(ModeWarn, "careful")

	entries := logs.AllUntimed()
	require.Len(t, entries, 2)
	assert.Equal(t, zapcore.InfoLevel, entries[0].Level)
	assert.Equal(t, "hello", entries[0].Message)
	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
	assert.Equal(t, "careful", entries[1].Message)
	assert.Equal(t, "mocap_obstacles", entries[0].ContextMap()["source"])
}

func TestLogger_Bus(t *testing.T) {
	t.Parallel()

	zl, logs := observed(t)
	pub := &fakePublisher{}
	l := NewLogger(LoggerConfig{Mode: ModeBus, Source: "mocap_obstacles", Publisher: pub, Zap: zl})
	assert.Equal(t, "mocap_obstacles/log", l.Topic())

	l.Logf("tick %d", 3)
	assert.Equal(t, "mocap_obstacles/log", pub.topic)
	entry, ok := pub.payload.(LogEntry)
	require.True(t, ok)
	assert.Equal(t, "tick 3", entry.Message)
	assert.Equal(t, "mocap_obstacles", entry.Source)
	assert.Equal(t, 0, logs.Len())
}

func TestLogger_BusFailureDowngradesToWarn(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		pub  Publisher
	}{
		{"error", &fakePublisher{err: errors.New("bus closed")}},
		{"panic", &fakePublisher{panics: true}},
		{"no publisher", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			zl, logs := observed(t)
			l := NewLogger(LoggerConfig{Mode: ModeBus, Source: "p", Publisher: tt.pub, Zap: zl})

			assert.NotPanics(t, func() { l.Log("lost") })
			entries := logs.AllUntimed()
			require.Len(t, entries, 1)
			assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
			assert.Equal(t, "lost", entries[0].Message)
		})
	}
}

func TestLogger_Terminal(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	l := NewLogger(LoggerConfig{Mode: ModeTerminal, Source: "p", Terminal: &buf})
	l.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 6e6, time.UTC) }

	l.Log("echo")
	assert.Equal(t, "03:04:05.006 [p] echo\n", buf.String())
}

func TestLogger_NilSinksAreSafe(t *testing.T) {
	t.Parallel()

	l := NewLogger(LoggerConfig{Mode: ModeTerminal})
	for _, m := range []Mode{ModeInfo, ModeWarn, ModeBus, ModeTerminal} {
		assert.NotPanics(t, func() { l.LogAs(m, "x") })
		assert.NotEmpty(t, m.String())
	}
}
