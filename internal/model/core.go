package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Product is a catalog entry as returned by the products endpoint.
type Product struct {
	ID          int64      `json:"id"`
	Handle      string     `json:"handle"`
	Title       string     `json:"title"`
	Vendor      string     `json:"vendor"`
	ProductType string     `json:"product_type"`
	Tags        string     `json:"tags"` // comma-separated, as sent by the API
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	PublishedAt *time.Time `json:"published_at"`
	Variants    []Variant  `json:"variants"`
	Images      []Image    `json:"images"`
}

// Visible reports whether the product is published to the storefront.
func (p Product) Visible() bool {
	return p.PublishedAt != nil
}

// InventoryPolicyContinue keeps a variant orderable at zero stock.
const InventoryPolicyContinue = "continue"

// Variant is a purchasable configuration of a product.
type Variant struct {
	ID                  int64               `json:"id"`
	Price               decimal.Decimal     `json:"price"`
	CompareAtPrice      decimal.NullDecimal `json:"compare_at_price"`
	InventoryQuantity   int                 `json:"inventory_quantity"`
	InventoryManagement *string             `json:"inventory_management"` // nil when stock is not tracked
	InventoryPolicy     string              `json:"inventory_policy"`
}

// Tracked reports whether the platform manages stock for the variant.
func (v Variant) Tracked() bool {
	return v.InventoryManagement != nil && *v.InventoryManagement != ""
}

// Available reports whether the variant can currently be ordered.
func (v Variant) Available() bool {
	return !v.Tracked() || v.InventoryQuantity > 0 || v.InventoryPolicy == InventoryPolicyContinue
}

// Image is a product image.
type Image struct {
	ID       int64  `json:"id"`
	Src      string `json:"src"`
	Alt      string `json:"alt"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	Position int    `json:"position"`
}

// Financial states whose orders never count towards sales.
const (
	FinancialStatusVoided   = "voided"
	FinancialStatusRefunded = "refunded"
)

// Order is a storefront order reduced to the fields accrual needs.
type Order struct {
	ID              int64      `json:"id"`
	FinancialStatus string     `json:"financial_status"`
	LineItems       []LineItem `json:"line_items"`
}

// Excluded reports whether the order is ignored for sales accrual.
func (o Order) Excluded() bool {
	switch o.FinancialStatus {
	case FinancialStatusVoided, FinancialStatusRefunded:
		return true
	}
	return false
}

// LineItem references a product by numeric id, by handle, or both,
// depending on the API version in use.
type LineItem struct {
	ProductID     *int64          `json:"product_id"`
	ProductHandle string          `json:"product_handle,omitempty"`
	Quantity      int64           `json:"quantity"`
	Price         decimal.Decimal `json:"price"` // unit price
}
