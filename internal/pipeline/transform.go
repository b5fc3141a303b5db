package pipeline

import (
	"fmt"
	"strings"

	"merch-rank/internal/model"

	"github.com/shopspring/decimal"
)

// ------------------- Product facts -------------------

// ParseTags splits the raw tag string on ", ", trimming each label and
// dropping empty and repeated entries.
func ParseTags(raw string) []string {
	tags := []string{}
	seen := make(map[string]bool)
	for _, part := range strings.Split(raw, ", ") {
		tag := strings.TrimSpace(part)
		if tag == "" || seen[tag] {
			continue
		}
		seen[tag] = true
		tags = append(tags, tag)
	}
	return tags
}

// InStock is true when any variant is untracked, has stock, or keeps selling
// at zero.
func InStock(variants []model.Variant) bool {
	for _, v := range variants {
		if v.Available() {
			return true
		}
	}
	return false
}

// Normalize scales v against the observed maximum; a non-positive maximum
// yields 0.
func Normalize(v, max float64) float64 {
	if max <= 0 {
		return 0
	}
	return v / max
}

var hundred = decimal.NewFromInt(100)

// PriceRangeOf aggregates regular and sale prices over the variants. It
// returns nil for a product without variants.
func PriceRangeOf(variants []model.Variant) *model.PriceRange {
	if len(variants) == 0 {
		return nil
	}
	var pr model.PriceRange
	for i, v := range variants {
		sale := v.Price
		regular := sale
		if v.CompareAtPrice.Valid && v.CompareAtPrice.Decimal.IsPositive() {
			regular = v.CompareAtPrice.Decimal
		}

		var percentOff int64
		if regular.GreaterThan(sale) {
			pr.OnSale = true
			percentOff = regular.Sub(sale).Div(regular).Mul(hundred).Round(0).IntPart()
		}

		if i == 0 {
			pr.MinRegular, pr.MaxRegular = regular, regular
			pr.MinSale, pr.MaxSale = sale, sale
		} else {
			pr.MinRegular = decimal.Min(pr.MinRegular, regular)
			pr.MaxRegular = decimal.Max(pr.MaxRegular, regular)
			pr.MinSale = decimal.Min(pr.MinSale, sale)
			pr.MaxSale = decimal.Max(pr.MaxSale, sale)
		}
		if percentOff > pr.MaxPercentOff {
			pr.MaxPercentOff = percentOff
		}
	}
	return &pr
}

// FeaturedImageOf picks the image at position 1, else the first image. Alt
// text falls back to the product title.
func FeaturedImageOf(p model.Product) *model.FeaturedImage {
	if len(p.Images) == 0 {
		return nil
	}
	img := p.Images[0]
	for _, candidate := range p.Images {
		if candidate.Position == 1 {
			img = candidate
			break
		}
	}
	alt := img.Alt
	if alt == "" {
		alt = p.Title
	}
	return &model.FeaturedImage{Src: img.Src, Alt: alt, Width: img.Width, Height: img.Height}
}

// Derive produces one record per visible product, in catalog order, joined
// with its accrual (zero when absent) and optional rating.
func Derive(products []model.Product, ledger *SalesLedger, ix *KeyIndex, ratings map[string]model.Rating) []model.DerivedRecord {
	visible := VisibleProducts(products)
	records := make([]model.DerivedRecord, 0, len(visible))
	for _, p := range visible {
		key := ix.Key(p)
		sales := ledger.Get(key)
		rating := ratings[p.Handle]
		records = append(records, model.DerivedRecord{
			Key:           key,
			ID:            p.ID,
			Handle:        p.Handle,
			Title:         p.Title,
			Vendor:        p.Vendor,
			ProductType:   p.ProductType,
			Tags:          ParseTags(p.Tags),
			InStock:       InStock(p.Variants),
			UnitsSold:     sales.UnitsSold,
			Revenue:       sales.Revenue,
			Rating:        rating.Average,
			ReviewCount:   rating.Count,
			Price:         PriceRangeOf(p.Variants),
			FeaturedImage: FeaturedImageOf(p),
			CreatedAt:     p.CreatedAt,
			PublishedAt:   p.PublishedAt,
		})
	}
	return records
}

// ------------------- Scoring -------------------

type scorer func(records []model.DerivedRecord, w model.Weights)

var scorers = map[model.ScoringPolicy]scorer{
	model.ScoringNone:      scoreNone,
	model.ScoringWeighted:  scoreWeighted,
	model.ScoringHeuristic: scoreHeuristic,
}

// Score returns a copy of records scored under the given policy. The input
// slice is left untouched so one derivation can feed several rankings.
func Score(records []model.DerivedRecord, policy model.ScoringPolicy, w model.Weights) ([]model.DerivedRecord, error) {
	fn, ok := scorers[policy]
	if !ok {
		return nil, fmt.Errorf("unknown scoring policy: %s", policy)
	}
	out := make([]model.DerivedRecord, len(records))
	copy(out, records)
	fn(out, w)
	return out, nil
}

func scoreNone(records []model.DerivedRecord, _ model.Weights) {
	for i := range records {
		records[i].Scored = false
		records[i].SubScores = nil
		records[i].Score = 0
	}
}

func scoreWeighted(records []model.DerivedRecord, w model.Weights) {
	var maxRevenue float64
	var maxUnits int64
	for _, r := range records {
		if rev := r.Revenue.InexactFloat64(); rev > maxRevenue {
			maxRevenue = rev
		}
		if r.UnitsSold > maxUnits {
			maxUnits = r.UnitsSold
		}
	}

	for i := range records {
		r := &records[i]
		sub := &model.SubScores{
			Revenue: Normalize(r.Revenue.InexactFloat64(), maxRevenue),
			Units:   Normalize(float64(r.UnitsSold), float64(maxUnits)),
		}
		if r.InStock {
			sub.Stock = 1
		}
		r.SubScores = sub
		r.Score = sub.Revenue*w.Revenue + sub.Units*w.Units + sub.Stock*w.Stock
		r.Scored = true
	}
}

func scoreHeuristic(records []model.DerivedRecord, _ model.Weights) {
	for i := range records {
		r := &records[i]
		var stock float64
		if r.InStock {
			stock = 50
		}
		r.SubScores = nil
		r.Score = stock + r.Revenue.InexactFloat64()*0.01 + float64(r.UnitsSold)*100
		r.Scored = true
	}
}
