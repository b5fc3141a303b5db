package pipeline

import (
	"testing"
	"time"

	"merch-rank/internal/model"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func handles(records []model.DerivedRecord) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.Handle
	}
	return out
}

func ranks(records []model.DerivedRecord) []int {
	out := make([]int, len(records))
	for i, r := range records {
		out[i] = r.Rank
	}
	return out
}

func rec(handle string, units int64, revenue string, inStock bool, tags ...string) model.DerivedRecord {
	return model.DerivedRecord{
		Key:       model.ProductKey(handle),
		Handle:    handle,
		UnitsSold: units,
		Revenue:   decimal.RequireFromString(revenue),
		InStock:   inStock,
		Tags:      tags,
	}
}

func TestSortByRevenueUnitsStock(t *testing.T) {
	records := []model.DerivedRecord{
		rec("low", 50, "10.00", true),
		rec("tie-fewer-units", 5, "100.00", true),
		rec("tie-more-units", 10, "100.00", false),
		rec("tie-out", 5, "100.00", false),
	}
	require.NoError(t, SortRecords(records, model.SortByRevenueUnitsStock))
	assert.Equal(t, []string{"tie-more-units", "tie-fewer-units", "tie-out", "low"}, handles(records))
}

func TestSortByStockRecency(t *testing.T) {
	day := func(d int) time.Time { return time.Date(2024, 1, d, 0, 0, 0, 0, time.UTC) }
	records := []model.DerivedRecord{
		{Handle: "old-in", InStock: true, CreatedAt: day(1)},
		{Handle: "new-out", InStock: false, CreatedAt: day(20)},
		{Handle: "new-in", InStock: true, CreatedAt: day(10)},
		{Handle: "old-out", InStock: false, CreatedAt: day(2)},
	}
	require.NoError(t, SortRecords(records, model.SortByStockRecency))
	assert.Equal(t, []string{"new-in", "old-in", "new-out", "old-out"}, handles(records))
}

func TestSortIsStable(t *testing.T) {
	records := []model.DerivedRecord{
		rec("first", 3, "0", true),
		rec("second", 3, "0", true),
		rec("top", 9, "0", true),
		rec("third", 3, "0", true),
	}
	require.NoError(t, SortRecords(records, model.SortByUnitsSold))
	assert.Equal(t, []string{"top", "first", "second", "third"}, handles(records))

	scored := []model.DerivedRecord{{Handle: "a", Score: 1}, {Handle: "b", Score: 1}, {Handle: "c", Score: 2}}
	require.NoError(t, SortRecords(scored, model.SortByScore))
	assert.Equal(t, []string{"c", "a", "b"}, handles(scored))
}

func TestSortRejectsUnknownPolicy(t *testing.T) {
	assert.Error(t, SortRecords(nil, model.SortPolicy("random")))
}

func TestPartitionByTag(t *testing.T) {
	partitions := PartitionByTag([]model.DerivedRecord{
		rec("x", 1, "0", true, "b", "a"),
		rec("y", 1, "0", true, "a"),
		rec("untagged", 1, "0", true),
	})

	require.Len(t, partitions, 2)
	assert.Equal(t, "b", partitions[0].Tag)
	assert.Equal(t, []string{"x"}, handles(partitions[0].Records))
	assert.Equal(t, "a", partitions[1].Tag)
	assert.Equal(t, []string{"x", "y"}, handles(partitions[1].Records))

	// copies are independent
	partitions[0].Records[0].Rank = 7
	assert.Equal(t, 0, partitions[1].Records[0].Rank)
}

func TestTruncate(t *testing.T) {
	records := []model.DerivedRecord{rec("a", 0, "0", true), rec("b", 0, "0", true), rec("c", 0, "0", true)}
	assert.Len(t, Truncate(records, 0), 3)
	assert.Len(t, Truncate(records, 2), 2)
	assert.Len(t, Truncate(records, 10), 3)
}

func TestBuildRankingFlat(t *testing.T) {
	in := []model.DerivedRecord{
		rec("a", 1, "10.00", true),
		rec("b", 5, "50.00", true),
		rec("c", 3, "30.00", false),
	}
	r, err := BuildRanking(in, model.RankingSpec{
		Name:    "top",
		File:    "top.json",
		Scoring: model.ScoringWeighted,
		Weights: model.Weights{Revenue: 0.5, Units: 0.3, Stock: 0.2},
		Sort:    model.SortByScore,
		Limit:   2,
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"b", "c"}, handles(r.Records))
	assert.Equal(t, []int{1, 2}, ranks(r.Records))
	assert.Equal(t, 2, r.Len())
	assert.InDelta(t, 1.0, r.Records[0].Score, 1e-9)

	// derivation output can feed the next ranking unchanged
	assert.Equal(t, []string{"a", "b", "c"}, handles(in))
	assert.False(t, in[0].Scored)
	assert.Zero(t, in[1].Rank)
}

func TestBuildRankingPerTag(t *testing.T) {
	in := []model.DerivedRecord{
		rec("x", 4, "0", true, "a", "b"),
		rec("y", 9, "0", true, "b"),
		rec("z", 1, "0", true, "a"),
	}
	r, err := BuildRanking(in, model.RankingSpec{
		Name:      "tags",
		Dir:       "tags",
		Scoring:   model.ScoringNone,
		Sort:      model.SortByUnitsSold,
		Partition: model.PartitionTags,
	})
	require.NoError(t, err)

	require.Len(t, r.Partitions, 2)
	assert.Equal(t, "a", r.Partitions[0].Tag)
	assert.Equal(t, []string{"x", "z"}, handles(r.Partitions[0].Records))
	assert.Equal(t, []int{1, 2}, ranks(r.Partitions[0].Records))

	assert.Equal(t, "b", r.Partitions[1].Tag)
	assert.Equal(t, []string{"y", "x"}, handles(r.Partitions[1].Records))
	assert.Equal(t, []int{1, 2}, ranks(r.Partitions[1].Records))

	assert.Equal(t, 4, r.Len())
	assert.Nil(t, r.Records)
}

func TestBuildRankingRanksAreDenseAfterTruncation(t *testing.T) {
	var in []model.DerivedRecord
	for _, h := range []string{"a", "b", "c", "d", "e"} {
		in = append(in, rec(h, int64(len(in)), "0", true, "t"))
	}
	r, err := BuildRanking(in, model.RankingSpec{
		Name: "tags", Dir: "tags", Scoring: model.ScoringNone, Sort: model.SortByUnitsSold,
		Partition: model.PartitionTags, Limit: 3,
	})
	require.NoError(t, err)
	require.Len(t, r.Partitions, 1)
	assert.Equal(t, []string{"e", "d", "c"}, handles(r.Partitions[0].Records))
	assert.Equal(t, []int{1, 2, 3}, ranks(r.Partitions[0].Records))
}

func TestBuildRankingEmptyInput(t *testing.T) {
	r, err := BuildRanking(nil, model.RankingSpec{Name: "empty", File: "e.json", Scoring: model.ScoringNone, Sort: model.SortByScore})
	require.NoError(t, err)
	assert.Empty(t, r.Records)
	assert.Equal(t, 0, r.Len())
}

func TestSoldOutProductRanksFirstInEveryTag(t *testing.T) {
	published := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	products := []model.Product{{
		Handle:      "x",
		Tags:        "a, b",
		PublishedAt: &published,
		Variants:    []model.Variant{{InventoryQuantity: 0, InventoryManagement: strPtr("shopify")}},
	}}
	ix := NewKeyIndex(model.KeyByHandle, products)
	ledger, _ := AccrueSales(nil, ix)

	records := Derive(products, ledger, ix, nil)
	require.Len(t, records, 1)
	assert.False(t, records[0].InStock)
	assert.Equal(t, int64(0), records[0].UnitsSold)
	assert.True(t, records[0].Revenue.IsZero())

	r, err := BuildRanking(records, model.RankingSpec{
		Name: "tags", Dir: "tags", Scoring: model.ScoringNone, Sort: model.SortByRevenueUnitsStock,
		Partition: model.PartitionTags, Limit: 50,
	})
	require.NoError(t, err)
	require.Len(t, r.Partitions, 2)
	for _, p := range r.Partitions {
		require.Len(t, p.Records, 1)
		assert.Equal(t, "x", p.Records[0].Handle)
		assert.Equal(t, 1, p.Records[0].Rank)
	}
}
