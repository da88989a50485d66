package metrics_test

import (
	"testing"

	"ironbook/internal/metrics"

	"github.com/stretchr/testify/assert"
)

func TestNewRegistersWithoutPanic(t *testing.T) {
	assert.NotPanics(t, func() {
		m := metrics.New()
		m.Executions.WithLabelValues("AAPL").Inc()
		m.Rejects.WithLabelValues("TICK_SIZE").Inc()
		m.BookDepth.WithLabelValues("AAPL", "BUY").Set(3)
	})
}
