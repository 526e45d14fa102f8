package agent

import (
	"bytes"
	"sync"

	"go.uber.org/zap"

	"github.com/vibe80/vibe80/internal/common/logger"
)

// lineLogger is an io.Writer that logs each complete line it receives.
// Used to drain subprocess stderr into the structured log.
type lineLogger struct {
	logger *logger.Logger
	stream string

	mu  sync.Mutex
	buf bytes.Buffer
}

func newLineLogger(log *logger.Logger, stream string) *lineLogger {
	return &lineLogger{logger: log, stream: stream}
}

func (l *lineLogger) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.buf.Write(p)
	for {
		line, err := l.buf.ReadString('\n')
		if err != nil {
			// Partial line, keep it buffered for the next write.
			l.buf.WriteString(line)
			break
		}
		if trimmed := bytes.TrimSpace([]byte(line)); len(trimmed) > 0 {
			l.logger.Debug("subprocess stderr",
				zap.String("stream", l.stream),
				zap.String("line", string(trimmed)))
		}
	}
	return len(p), nil
}
