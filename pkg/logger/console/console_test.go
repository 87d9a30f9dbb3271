package console

import (
	"bytes"
	"testing"

	"github.com/coolbeans/ldcache/pkg/logger"
	"github.com/stretchr/testify/assert"
)

var _ logger.Logger = (*ConsoleLogger)(nil)

func TestConsoleLogger_Levels(t *testing.T) {
	var buf bytes.Buffer
	l := NewConsoleLogger(ConsoleLoggerParams{Output: &buf})

	l.Debug("hidden debug")
	l.Info("merged page", "page", "http://test/doc")

	out := buf.String()
	assert.NotContains(t, out, "hidden debug")
	assert.Contains(t, out, "merged page")
	assert.Contains(t, out, "http://test/doc")
}

func TestConsoleLogger_Debug(t *testing.T) {
	var buf bytes.Buffer
	l := NewConsoleLogger(ConsoleLoggerParams{Output: &buf, Debug: true})

	l.Debug("lock wait", "key", "http://test/doc")
	assert.Contains(t, buf.String(), "lock wait")
}

func TestMultiAndNop(t *testing.T) {
	var first, second bytes.Buffer
	l := logger.Multi(
		NewConsoleLogger(ConsoleLoggerParams{Output: &first}),
		NewConsoleLogger(ConsoleLoggerParams{Output: &second}),
		logger.Nop(),
	)

	l.Warn("dropped document", "page", "http://test/bad")
	assert.Contains(t, first.String(), "dropped document")
	assert.Contains(t, second.String(), "dropped document")

	assert.NotNil(t, logger.OrNop(nil))
}
