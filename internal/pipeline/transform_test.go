package pipeline

import (
	"testing"
	"time"

	"merch-rank/internal/model"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func variant(price, compareAt string, qty int, managed bool, policy string) model.Variant {
	v := model.Variant{
		Price:             decimal.RequireFromString(price),
		InventoryQuantity: qty,
		InventoryPolicy:   policy,
	}
	if compareAt != "" {
		v.CompareAtPrice = decimal.NewNullDecimal(decimal.RequireFromString(compareAt))
	}
	if managed {
		v.InventoryManagement = strPtr("shopify")
	}
	return v
}

func TestParseTags(t *testing.T) {
	assert.Equal(t, []string{"Summer", "Sale"}, ParseTags("Summer, Sale"))
	assert.Equal(t, []string{"a", "b"}, ParseTags(" a , b, a, "))
	assert.Equal(t, []string{}, ParseTags(""))
	assert.Equal(t, []string{"one,two"}, ParseTags("one,two"))
}

func TestInStock(t *testing.T) {
	tests := []struct {
		name     string
		variants []model.Variant
		want     bool
	}{
		{"no variants", nil, false},
		{"untracked", []model.Variant{variant("1", "", 0, false, "deny")}, true},
		{"tracked with stock", []model.Variant{variant("1", "", 2, true, "deny")}, true},
		{"tracked sold out", []model.Variant{variant("1", "", 0, true, "deny")}, false},
		{"oversold", []model.Variant{variant("1", "", -3, true, "deny")}, false},
		{"keeps selling", []model.Variant{variant("1", "", 0, true, "continue")}, true},
		{"any variant", []model.Variant{variant("1", "", 0, true, "deny"), variant("1", "", 1, true, "deny")}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, InStock(tt.variants))
		})
	}
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, 0.5, Normalize(5, 10))
	assert.Equal(t, 1.0, Normalize(10, 10))
	assert.Equal(t, 0.0, Normalize(5, 0))
	assert.Equal(t, 0.0, Normalize(0, -1))
}

func TestPriceRangeOf(t *testing.T) {
	assert.Nil(t, PriceRangeOf(nil))

	pr := PriceRangeOf([]model.Variant{
		variant("15.00", "20.00", 1, false, ""),
		variant("30.00", "", 1, false, ""),
		variant("9.99", "0", 1, false, ""),
	})
	require.NotNil(t, pr)
	assert.True(t, pr.OnSale)
	assert.Equal(t, "9.99", pr.MinRegular.StringFixed(2))
	assert.Equal(t, "30.00", pr.MaxRegular.StringFixed(2))
	assert.Equal(t, "9.99", pr.MinSale.StringFixed(2))
	assert.Equal(t, "30.00", pr.MaxSale.StringFixed(2))
	assert.Equal(t, int64(25), pr.MaxPercentOff)
	assert.Equal(t, "$9.99 - $30.00", pr.Display())

	single := PriceRangeOf([]model.Variant{variant("12.50", "10.00", 1, false, "")})
	assert.False(t, single.OnSale)
	assert.Equal(t, int64(0), single.MaxPercentOff)
	assert.Equal(t, "$12.50", single.Display())
}

func TestFeaturedImageOf(t *testing.T) {
	assert.Nil(t, FeaturedImageOf(model.Product{}))

	img := FeaturedImageOf(model.Product{Title: "Tee", Images: []model.Image{
		{Src: "second.jpg", Position: 2, Alt: "back"},
		{Src: "first.jpg", Position: 1, Width: 800, Height: 600},
	}})
	assert.Equal(t, &model.FeaturedImage{Src: "first.jpg", Alt: "Tee", Width: 800, Height: 600}, img)

	img = FeaturedImageOf(model.Product{Images: []model.Image{{Src: "only.jpg", Position: 4, Alt: "x"}}})
	assert.Equal(t, "only.jpg", img.Src)
	assert.Equal(t, "x", img.Alt)
}

func TestDeriveJoinsVisibleProducts(t *testing.T) {
	published := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	products := []model.Product{
		{ID: 1, Handle: "alpha", Tags: "a, b", PublishedAt: &published, Variants: []model.Variant{variant("10", "", 0, true, "deny")}},
		{ID: 2, Handle: "draft"},
		{ID: 3, Handle: "gamma", PublishedAt: &published},
	}
	ix := NewKeyIndex(model.KeyByHandle, products)
	ledger, _ := AccrueSales([]model.Order{{FinancialStatus: "paid", LineItems: []model.LineItem{
		lineItem(1, 2, "10.00"),
		lineItem(2, 7, "1.00"),
	}}}, ix)

	records := Derive(products, ledger, ix, map[string]model.Rating{"gamma": {Average: 4.5, Count: 2}})

	require.Len(t, records, 2)
	assert.Equal(t, "alpha", records[0].Handle)
	assert.Equal(t, []string{"a", "b"}, records[0].Tags)
	assert.False(t, records[0].InStock)
	assert.Equal(t, int64(2), records[0].UnitsSold)
	assert.Equal(t, "20.00", records[0].Revenue.StringFixed(2))

	assert.Equal(t, "gamma", records[1].Handle)
	assert.Equal(t, []string{}, records[1].Tags)
	assert.False(t, records[1].InStock)
	assert.Equal(t, int64(0), records[1].UnitsSold)
	assert.True(t, records[1].Revenue.IsZero())
	assert.Equal(t, 4.5, records[1].Rating)
	assert.Equal(t, 2, records[1].ReviewCount)
	assert.Nil(t, records[1].Price)
}

func scoringFixture() []model.DerivedRecord {
	return []model.DerivedRecord{
		{Handle: "a", Revenue: decimal.RequireFromString("100.00"), UnitsSold: 2, InStock: true},
		{Handle: "b", Revenue: decimal.RequireFromString("50.00"), UnitsSold: 4, InStock: false},
		{Handle: "c", Revenue: decimal.Zero, UnitsSold: 0, InStock: true},
	}
}

func TestScoreWeighted(t *testing.T) {
	in := scoringFixture()
	out, err := Score(in, model.ScoringWeighted, model.Weights{Revenue: 0.5, Units: 0.3, Stock: 0.2})
	require.NoError(t, err)

	assert.InDelta(t, 0.5+0.15+0.2, out[0].Score, 1e-9)
	assert.InDelta(t, 0.25+0.3, out[1].Score, 1e-9)
	assert.InDelta(t, 0.2, out[2].Score, 1e-9)
	assert.Equal(t, &model.SubScores{Revenue: 1, Units: 0.5, Stock: 1}, out[0].SubScores)
	for _, r := range out {
		assert.True(t, r.Scored)
	}

	// the input is not mutated
	assert.False(t, in[0].Scored)
	assert.Nil(t, in[0].SubScores)
}

func TestScoreWeightedWithoutSales(t *testing.T) {
	records := []model.DerivedRecord{{InStock: true}, {InStock: false}}
	out, err := Score(records, model.ScoringWeighted, model.Weights{Revenue: 0.5, Units: 0.3, Stock: 0.2})
	require.NoError(t, err)

	assert.Equal(t, 0.0, out[0].SubScores.Revenue)
	assert.Equal(t, 0.0, out[0].SubScores.Units)
	assert.InDelta(t, 0.2, out[0].Score, 1e-9)
	assert.Equal(t, 0.0, out[1].Score)
}

func TestScoreHeuristic(t *testing.T) {
	out, err := Score(scoringFixture(), model.ScoringHeuristic, model.Weights{})
	require.NoError(t, err)

	assert.InDelta(t, 50+1+200, out[0].Score, 1e-9)
	assert.InDelta(t, 0.5+400, out[1].Score, 1e-9)
	assert.InDelta(t, 50, out[2].Score, 1e-9)
	assert.Nil(t, out[0].SubScores)
}

func TestScoreNoneClearsScores(t *testing.T) {
	scored, err := Score(scoringFixture(), model.ScoringHeuristic, model.Weights{})
	require.NoError(t, err)

	out, err := Score(scored, model.ScoringNone, model.Weights{})
	require.NoError(t, err)
	for _, r := range out {
		assert.False(t, r.Scored)
		assert.Zero(t, r.Score)
	}
}

func TestScoreRejectsUnknownPolicy(t *testing.T) {
	_, err := Score(scoringFixture(), model.ScoringPolicy("magic"), model.Weights{})
	assert.Error(t, err)
}
