package metrics

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestCollector_CollectReturnsPlausiblePercentages(t *testing.T) {
	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}

	c := New(dir, zap.NewNop())
	info := c.Collect(context.Background())

	assert.GreaterOrEqual(t, info.CPUPercent, 0.0)
	assert.GreaterOrEqual(t, info.MemPercent, 0.0)
	assert.GreaterOrEqual(t, info.DiskPercent, 0.0)
}

func TestCollector_CollectToleratesBadDiskPath(t *testing.T) {
	c := New("/path/that/does/not/exist", zap.NewNop())
	info := c.Collect(context.Background())

	// Disk sampling fails and logs a warning, but CPU/mem are still populated
	// and DiskPercent is left at its zero value rather than panicking.
	assert.Equal(t, 0.0, info.DiskPercent)
}
