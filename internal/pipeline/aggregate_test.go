package pipeline

import (
	"testing"

	"merch-rank/internal/model"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func id(v int64) *int64 { return &v }

func lineItem(productID int64, qty int64, price string) model.LineItem {
	return model.LineItem{ProductID: id(productID), Quantity: qty, Price: decimal.RequireFromString(price)}
}

func catalog() []model.Product {
	return []model.Product{
		{ID: 1, Handle: "alpha"},
		{ID: 2, Handle: "beta"},
		{ID: 3, Handle: "gamma"},
	}
}

func TestKeyIndexResolvesIDThenHandle(t *testing.T) {
	ix := NewKeyIndex(model.KeyByHandle, catalog())

	key, ok := ix.Resolve(model.LineItem{ProductID: id(2)})
	assert.True(t, ok)
	assert.Equal(t, model.ProductKey("beta"), key)

	key, ok = ix.Resolve(model.LineItem{ProductHandle: "gamma"})
	assert.True(t, ok)
	assert.Equal(t, model.ProductKey("gamma"), key)

	// a stale id falls back to the handle
	key, ok = ix.Resolve(model.LineItem{ProductID: id(99), ProductHandle: "alpha"})
	assert.True(t, ok)
	assert.Equal(t, model.ProductKey("alpha"), key)

	_, ok = ix.Resolve(model.LineItem{ProductID: id(99)})
	assert.False(t, ok)
	_, ok = ix.Resolve(model.LineItem{})
	assert.False(t, ok)
}

func TestKeyIndexByID(t *testing.T) {
	ix := NewKeyIndex(model.KeyByID, catalog())

	assert.Equal(t, model.ProductKey("3"), ix.Key(model.Product{ID: 3, Handle: "gamma"}))
	key, ok := ix.Resolve(model.LineItem{ProductHandle: "alpha"})
	assert.True(t, ok)
	assert.Equal(t, model.ProductKey("1"), key)
}

func TestKeyIndexSkipsProductsWithoutKey(t *testing.T) {
	ix := NewKeyIndex(model.KeyByHandle, []model.Product{{ID: 7, Handle: ""}})
	_, ok := ix.Resolve(model.LineItem{ProductID: id(7)})
	assert.False(t, ok)
}

func TestAccrueSales(t *testing.T) {
	orders := []model.Order{
		{ID: 1, FinancialStatus: "paid", LineItems: []model.LineItem{
			lineItem(1, 2, "10.00"),
			lineItem(2, 1, "5.50"),
			lineItem(404, 9, "1.00"), // deleted product
		}},
		{ID: 2, FinancialStatus: "partially_refunded", LineItems: []model.LineItem{
			lineItem(1, 1, "10.00"),
		}},
		{ID: 3, FinancialStatus: "pending", LineItems: []model.LineItem{
			{ProductHandle: "beta", Quantity: 3, Price: decimal.RequireFromString("5.50")},
		}},
	}

	ledger, stats := AccrueSales(orders, NewKeyIndex(model.KeyByHandle, catalog()))

	alpha := ledger.Get("alpha")
	assert.Equal(t, int64(3), alpha.UnitsSold)
	assert.Equal(t, "30.00", alpha.Revenue.StringFixed(2))

	beta := ledger.Get("beta")
	assert.Equal(t, int64(4), beta.UnitsSold)
	assert.Equal(t, "22.00", beta.Revenue.StringFixed(2))

	gamma := ledger.Get("gamma")
	assert.Equal(t, int64(0), gamma.UnitsSold)
	assert.True(t, gamma.Revenue.IsZero())

	assert.Equal(t, AccrualStats{
		OrdersSeen:          3,
		OrdersExcluded:      0,
		LineItemsApplied:    4,
		LineItemsUnresolved: 1,
	}, stats)
}

func TestAccrueSalesIgnoresVoidedAndRefundedOrders(t *testing.T) {
	orders := []model.Order{
		{FinancialStatus: "refunded", LineItems: []model.LineItem{lineItem(1, 1000, "99.99")}},
		{FinancialStatus: "voided", LineItems: []model.LineItem{lineItem(1, 5, "1.00")}},
	}

	ledger, stats := AccrueSales(orders, NewKeyIndex(model.KeyByHandle, catalog()))

	assert.Equal(t, int64(0), ledger.Get("alpha").UnitsSold)
	assert.True(t, ledger.Get("alpha").Revenue.IsZero())
	assert.Equal(t, 0, ledger.Len())
	assert.Equal(t, 2, stats.OrdersExcluded)
}

func TestAccrueSalesSkipsInvalidLineItems(t *testing.T) {
	orders := []model.Order{{FinancialStatus: "paid", LineItems: []model.LineItem{
		lineItem(1, -2, "10.00"),
		lineItem(1, 1, "-1.00"),
		lineItem(1, 1, "4.00"),
	}}}

	ledger, stats := AccrueSales(orders, NewKeyIndex(model.KeyByHandle, catalog()))

	assert.Equal(t, int64(1), ledger.Get("alpha").UnitsSold)
	assert.Equal(t, "4.00", ledger.Get("alpha").Revenue.StringFixed(2))
	assert.Equal(t, 2, stats.LineItemsInvalid)
}

func TestAccrueSalesIsExactForCurrency(t *testing.T) {
	var items []model.LineItem
	for i := 0; i < 10000; i++ {
		items = append(items, lineItem(1, 1, "0.10"))
	}
	ledger, _ := AccrueSales([]model.Order{{FinancialStatus: "paid", LineItems: items}}, NewKeyIndex(model.KeyByHandle, catalog()))

	assert.True(t, ledger.Get("alpha").Revenue.Equal(decimal.NewFromInt(1000)))
}

func TestNilLedgerReturnsZero(t *testing.T) {
	var ledger *SalesLedger
	assert.Equal(t, int64(0), ledger.Get("anything").UnitsSold)
	assert.Equal(t, 0, ledger.Len())
}
