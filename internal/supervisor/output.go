package supervisor

import (
	"bytes"
	"context"
	"log/slog"
	"sync"

	"astro-solver/internal/logging"
)

const maxLine = 64 << 10

// lineLogger re-logs child output one line at a time.
type lineLogger struct {
	logger *slog.Logger
	level  slog.Level
	stream string

	mu  sync.Mutex
	pid int
	buf bytes.Buffer
}

func newLineLogger(logger *slog.Logger, level slog.Level, stream string) *lineLogger {
	return &lineLogger{logger: logger, level: level, stream: stream}
}

func (l *lineLogger) setPID(pid int) {
	l.mu.Lock()
	l.pid = pid
	l.mu.Unlock()
}

func (l *lineLogger) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buf.Write(p)
	for {
		i := bytes.IndexByte(l.buf.Bytes(), '\n')
		if i < 0 {
			break
		}
		line := string(bytes.TrimRight(l.buf.Next(i+1), "\r\n"))
		l.emit(line)
	}
	if l.buf.Len() > maxLine {
		l.emit(l.buf.String())
		l.buf.Reset()
	}
	return len(p), nil
}

// Flush logs any trailing partial line.
func (l *lineLogger) Flush() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.buf.Len() > 0 {
		l.emit(l.buf.String())
		l.buf.Reset()
	}
}

func (l *lineLogger) emit(line string) {
	if line == "" {
		return
	}
	ctx := logging.ContextAttrs(context.Background(), slog.Int("pid", l.pid), slog.String("stream", l.stream))
	l.logger.Log(ctx, l.level, line)
}
