package harness

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// capturingLog collects per-execution log lines into a buffer while still
// forwarding each line to the real slog sink, replacing the source's
// process-wide console hijack with a per-invocation writer (§5, §9).
type capturingLog struct {
	mu  sync.Mutex
	buf strings.Builder
}

func newCapturingLog() *capturingLog {
	return &capturingLog{}
}

func (c *capturingLog) append(prefix, line string) {
	c.mu.Lock()
	c.buf.WriteString(prefix)
	c.buf.WriteString(line)
	c.buf.WriteString("\n")
	c.mu.Unlock()
}

func (c *capturingLog) Printf(format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	c.append("[LOG] ", line)
	slog.Info(line)
}

func (c *capturingLog) Warnf(format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	c.append("[WARN] ", line)
	slog.Warn(line)
}

func (c *capturingLog) Errorf(format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	c.append("[ERROR] ", line)
	slog.Error(line)
}

func (c *capturingLog) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}
