package pipeline

import (
	"strconv"

	"merch-rank/internal/logging"
	"merch-rank/internal/model"
)

// ------------------- Key Index -------------------

// KeyIndex maps every raw product reference (numeric id, handle) onto the
// canonical key chosen for the run. It is read-only after construction.
type KeyIndex struct {
	mode     model.KeyMode
	byID     map[int64]model.ProductKey
	byHandle map[string]model.ProductKey
}

// NewKeyIndex builds the lookup tables once from the product collection.
// When two products share a handle the first one wins.
func NewKeyIndex(mode model.KeyMode, products []model.Product) *KeyIndex {
	ix := &KeyIndex{
		mode:     mode,
		byID:     make(map[int64]model.ProductKey, len(products)),
		byHandle: make(map[string]model.ProductKey, len(products)),
	}
	for _, p := range products {
		key := ix.Key(p)
		if key == "" {
			continue
		}
		if _, seen := ix.byID[p.ID]; !seen {
			ix.byID[p.ID] = key
		}
		if p.Handle != "" {
			if _, seen := ix.byHandle[p.Handle]; !seen {
				ix.byHandle[p.Handle] = key
			}
		}
	}
	return ix
}

func (ix *KeyIndex) Mode() model.KeyMode { return ix.mode }

// Key returns the canonical key of a product, or "" if the product carries
// no usable identity for the run's mode.
func (ix *KeyIndex) Key(p model.Product) model.ProductKey {
	if ix.mode == model.KeyByID {
		if p.ID == 0 {
			return ""
		}
		return model.ProductKey(strconv.FormatInt(p.ID, 10))
	}
	return model.ProductKey(p.Handle)
}

// Resolve translates whichever reference a line item carries. The numeric id
// is tried first, then the handle.
func (ix *KeyIndex) Resolve(li model.LineItem) (model.ProductKey, bool) {
	if li.ProductID != nil {
		if key, ok := ix.byID[*li.ProductID]; ok {
			return key, true
		}
	}
	if li.ProductHandle != "" {
		if key, ok := ix.byHandle[li.ProductHandle]; ok {
			return key, true
		}
	}
	return "", false
}

// ------------------- Sales Ledger -------------------

// SalesLedger is the accrual table of a run. Lookups of unknown keys return
// a zero accrual.
type SalesLedger struct {
	accruals map[model.ProductKey]model.Accrual
}

func (l *SalesLedger) Get(key model.ProductKey) model.Accrual {
	if l == nil {
		return model.Accrual{}
	}
	return l.accruals[key]
}

// Len is the number of keys with at least one applied line item.
func (l *SalesLedger) Len() int {
	if l == nil {
		return 0
	}
	return len(l.accruals)
}

// AccrualStats counts what happened to every order and line item.
type AccrualStats struct {
	OrdersSeen          int `json:"orders_seen"`
	OrdersExcluded      int `json:"orders_excluded"`
	LineItemsApplied    int `json:"line_items_applied"`
	LineItemsUnresolved int `json:"line_items_unresolved"`
	LineItemsInvalid    int `json:"line_items_invalid"`
}

// AccrueSales streams the orders once and sums units and revenue per key.
// Voided and refunded orders are skipped whole; a line item that does not
// resolve, or would decrease a total, is skipped alone.
func AccrueSales(orders []model.Order, ix *KeyIndex) (*SalesLedger, AccrualStats) {
	ledger := &SalesLedger{accruals: make(map[model.ProductKey]model.Accrual)}
	var stats AccrualStats

	for _, order := range orders {
		stats.OrdersSeen++
		if order.Excluded() {
			stats.OrdersExcluded++
			continue
		}
		for _, li := range order.LineItems {
			key, ok := ix.Resolve(li)
			if !ok {
				stats.LineItemsUnresolved++
				continue
			}
			if err := validateLineItem(li); err != nil {
				stats.LineItemsInvalid++
				logging.Debug("line item skipped", "order", order.ID, "key", key, "err", err)
				continue
			}
			ledger.accruals[key] = ledger.accruals[key].Add(li.Quantity, li.Price)
			stats.LineItemsApplied++
		}
	}

	logging.Info("📊 Accrued sales",
		"orders", stats.OrdersSeen,
		"excluded", stats.OrdersExcluded,
		"applied", stats.LineItemsApplied,
		"unresolved", stats.LineItemsUnresolved,
		"keys", ledger.Len(),
	)
	return ledger, stats
}
