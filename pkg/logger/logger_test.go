package logger_test

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsefit/billing/pkg/logger"
)

func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("JSON output with static attrs", func(t *testing.T) {
		t.Parallel()
		var buf bytes.Buffer
		log := logger.New(
			logger.WithOutput(&buf),
			logger.WithAttr(slog.String("component", "billing")),
		)
		log.Info("hello", "answer", 42)

		var record map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
		assert.Equal(t, "hello", record["msg"])
		assert.Equal(t, "billing", record["component"])
		assert.EqualValues(t, 42, record["answer"])
	})

	t.Run("info is suppressed below configured level", func(t *testing.T) {
		t.Parallel()
		var buf bytes.Buffer
		log := logger.New(logger.WithOutput(&buf), logger.WithLevel(slog.LevelError))
		log.Info("quiet")
		assert.Zero(t, buf.Len())
	})

	t.Run("service option tags env", func(t *testing.T) {
		t.Parallel()
		var buf bytes.Buffer
		log := logger.New(logger.WithOutput(&buf), logger.WithService("billing", "development"))
		log.Debug("dev noise")
		// Development profile is text format at debug level.
		assert.True(t, strings.Contains(buf.String(), "service=billing"))
		assert.True(t, strings.Contains(buf.String(), "env=development"))
	})

	t.Run("invalid format panics", func(t *testing.T) {
		t.Parallel()
		assert.Panics(t, func() { logger.New(logger.WithFormat("xml")) })
	})
}
