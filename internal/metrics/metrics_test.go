package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryCounts(t *testing.T) {
	r := NewRegistry()
	r.PageFetched("products", 250)
	r.PageFetched("products", 10)
	r.OrdersSkipped(3)
	r.LineItemsDropped("unresolved", 2)
	r.LineItemsDropped("invalid", 0)
	r.RunFinished("failed", 4.2)

	assert.Equal(t, 2.0, testutil.ToFloat64(r.PagesFetched.WithLabelValues("products")))
	assert.Equal(t, 260.0, testutil.ToFloat64(r.ItemsCollected.WithLabelValues("products")))
	assert.Equal(t, 3.0, testutil.ToFloat64(r.OrdersExcluded))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.LineItemsSkipped.WithLabelValues("unresolved")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.Runs.WithLabelValues("failed")))

	n, err := testutil.GatherAndCount(r.Gatherer(), "merch_rank_line_items_skipped_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestNilRegistryIsNoop(t *testing.T) {
	var r *Registry
	assert.NotPanics(t, func() {
		r.PageFetched("orders", 1)
		r.OrdersSkipped(1)
		r.LineItemsDropped("invalid", 1)
		r.RunFinished("completed", 1)
	})
}
