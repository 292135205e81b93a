package metrics

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestUpdateGaugeKeepsLastValueOnError(t *testing.T) {
	g := prometheus.NewGauge(prometheus.GaugeOpts{Name: "test_cache_size_bytes"})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	go updateGauge(ctx, g, 5*time.Millisecond, func() (float64, error) {
		if calls.Add(1) > 1 {
			return 0, errors.New("walk failed")
		}
		return 1024, nil
	})

	assert.Eventually(t, func() bool { return calls.Load() >= 3 }, time.Second, time.Millisecond)
	assert.Equal(t, 1024.0, testutil.ToFloat64(g))
}
