package model

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// ProductKey is the canonical join key of a run (a handle or a decimal id).
type ProductKey string

// Accrual is the running sales total attributed to one product key.
type Accrual struct {
	UnitsSold int64
	Revenue   decimal.Decimal
}

// Add returns the accrual with one line item applied.
func (a Accrual) Add(quantity int64, unitPrice decimal.Decimal) Accrual {
	return Accrual{
		UnitsSold: a.UnitsSold + quantity,
		Revenue:   a.Revenue.Add(unitPrice.Mul(decimal.NewFromInt(quantity))),
	}
}

// Rating is the averaged review score of a product.
type Rating struct {
	Average float64
	Count   int
}

// PriceRange summarises regular and sale prices across a product's variants.
type PriceRange struct {
	MinRegular    decimal.Decimal
	MaxRegular    decimal.Decimal
	MinSale       decimal.Decimal
	MaxSale       decimal.Decimal
	MaxPercentOff int64
	OnSale        bool
}

// Display formats the sale price range the way storefront rails show it.
func (p PriceRange) Display() string {
	if p.MinSale.Equal(p.MaxSale) {
		return "$" + p.MinSale.StringFixed(2)
	}
	return fmt.Sprintf("$%s - $%s", p.MinSale.StringFixed(2), p.MaxSale.StringFixed(2))
}

// FeaturedImage is the image shown for a product on merchandising rails.
type FeaturedImage struct {
	Src    string `json:"src"`
	Alt    string `json:"alt"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// SubScores are the normalized inputs of the weighted composite score.
type SubScores struct {
	Revenue float64
	Units   float64
	Stock   float64
}

// DerivedRecord joins a visible product with its accrual and computed fields.
// Score and Revenue keep full precision; rounding happens in MarshalJSON only.
type DerivedRecord struct {
	Key           ProductKey
	ID            int64
	Handle        string
	Title         string
	Vendor        string
	ProductType   string
	Tags          []string
	InStock       bool
	UnitsSold     int64
	Revenue       decimal.Decimal
	Rating        float64
	ReviewCount   int
	Price         *PriceRange
	FeaturedImage *FeaturedImage
	CreatedAt     time.Time
	PublishedAt   *time.Time

	Scored    bool
	SubScores *SubScores
	Score     float64
	Rank      int
}

type priceJSON struct {
	Display       string      `json:"display"`
	MinRegular    json.Number `json:"min_regular_price"`
	MaxRegular    json.Number `json:"max_regular_price"`
	MinSale       json.Number `json:"min_sale_price"`
	MaxSale       json.Number `json:"max_sale_price"`
	MaxPercentOff int64       `json:"max_percent_off"`
}

type recordJSON struct {
	Rank          int            `json:"rank,omitempty"`
	ID            int64          `json:"id,omitempty"`
	Handle        string         `json:"handle"`
	Title         string         `json:"title,omitempty"`
	Vendor        string         `json:"vendor,omitempty"`
	ProductType   string         `json:"product_type,omitempty"`
	Tags          []string       `json:"tags"`
	InStock       bool           `json:"in_stock"`
	OnSale        bool           `json:"on_sale"`
	UnitsSold     int64          `json:"units_sold"`
	Revenue       json.Number    `json:"revenue"`
	Rating        float64        `json:"rating"`
	ReviewCount   int            `json:"review_count"`
	Price         *priceJSON     `json:"price,omitempty"`
	FeaturedImage *FeaturedImage `json:"featured_image"`
	RevenueScore  *json.Number   `json:"revenue_score,omitempty"`
	UnitScore     *json.Number   `json:"unit_score,omitempty"`
	StockScore    *json.Number   `json:"stock_score,omitempty"`
	Score         *json.Number   `json:"score,omitempty"`
	CreatedAt     *time.Time     `json:"created_at,omitempty"`
	PublishedAt   *time.Time     `json:"published_at,omitempty"`
}

// MarshalJSON rounds revenue to cents and scores to 4 decimal places.
func (r DerivedRecord) MarshalJSON() ([]byte, error) {
	out := recordJSON{
		Rank:          r.Rank,
		ID:            r.ID,
		Handle:        r.Handle,
		Title:         r.Title,
		Vendor:        r.Vendor,
		ProductType:   r.ProductType,
		Tags:          r.Tags,
		InStock:       r.InStock,
		UnitsSold:     r.UnitsSold,
		Revenue:       json.Number(r.Revenue.StringFixed(2)),
		Rating:        r.Rating,
		ReviewCount:   r.ReviewCount,
		FeaturedImage: r.FeaturedImage,
		PublishedAt:   r.PublishedAt,
	}
	if out.Tags == nil {
		out.Tags = []string{}
	}
	if !r.CreatedAt.IsZero() {
		created := r.CreatedAt
		out.CreatedAt = &created
	}
	if r.Price != nil {
		out.OnSale = r.Price.OnSale
		out.Price = &priceJSON{
			Display:       r.Price.Display(),
			MinRegular:    json.Number(r.Price.MinRegular.StringFixed(2)),
			MaxRegular:    json.Number(r.Price.MaxRegular.StringFixed(2)),
			MinSale:       json.Number(r.Price.MinSale.StringFixed(2)),
			MaxSale:       json.Number(r.Price.MaxSale.StringFixed(2)),
			MaxPercentOff: r.Price.MaxPercentOff,
		}
	}
	if err := r.checkScores(); err != nil {
		return nil, err
	}
	if r.SubScores != nil {
		out.RevenueScore = roundScore(r.SubScores.Revenue)
		out.UnitScore = roundScore(r.SubScores.Units)
		out.StockScore = roundScore(r.SubScores.Stock)
	}
	if r.Scored {
		out.Score = roundScore(r.Score)
	}
	return json.Marshal(out)
}

// checkScores rejects scores JSON cannot carry.
func (r DerivedRecord) checkScores() error {
	scores := []float64{}
	if r.Scored {
		scores = append(scores, r.Score)
	}
	if r.SubScores != nil {
		scores = append(scores, r.SubScores.Revenue, r.SubScores.Units, r.SubScores.Stock)
	}
	for _, v := range scores {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("record %s: non-finite score %v", r.Handle, v)
		}
	}
	return nil
}

func roundScore(v float64) *json.Number {
	n := json.Number(decimal.NewFromFloat(v).Round(4).String())
	return &n
}

// Partition is the ranked subset of records carrying one tag.
type Partition struct {
	Tag     string          `json:"tag"`
	Records []DerivedRecord `json:"records"`
}
