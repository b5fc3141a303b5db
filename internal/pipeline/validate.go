package pipeline

import (
	"fmt"

	"merch-rank/internal/model"
)

// VisibleProducts keeps only products with a publication date, in input order.
// Unpublished products take no part in any ranking.
func VisibleProducts(products []model.Product) []model.Product {
	visible := make([]model.Product, 0, len(products))
	for _, p := range products {
		if p.Visible() {
			visible = append(visible, p)
		}
	}
	return visible
}

// validateLineItem rejects line items that would make an accrual decrease.
func validateLineItem(li model.LineItem) error {
	if li.Quantity < 0 {
		return fmt.Errorf("negative quantity %d", li.Quantity)
	}
	if li.Price.IsNegative() {
		return fmt.Errorf("negative unit price %s", li.Price.String())
	}
	return nil
}
