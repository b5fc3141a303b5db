package model

import (
	"fmt"
	"math"
	"strings"
)

// KeyMode selects the canonical product key used by every lookup and
// accrual table during a run.
type KeyMode string

const (
	KeyByHandle KeyMode = "handle"
	KeyByID     KeyMode = "id"
)

// ScoringPolicy selects how a ranking computes DerivedRecord.Score.
type ScoringPolicy string

const (
	ScoringNone      ScoringPolicy = "none"
	ScoringWeighted  ScoringPolicy = "weighted"  // normalized metrics blended by Weights
	ScoringHeuristic ScoringPolicy = "heuristic" // fixed linear blend, no normalization
)

// SortPolicy selects the ordering of a ranking.
type SortPolicy string

const (
	SortByScore             SortPolicy = "score"
	SortByRevenueUnitsStock SortPolicy = "revenue_units_stock"
	SortByStockRecency      SortPolicy = "stock_recency"
	SortByUnitsSold         SortPolicy = "units_sold"
)

// PartitionPolicy selects how a ranking is split into independent universes.
type PartitionPolicy string

const (
	PartitionNone PartitionPolicy = ""
	PartitionTags PartitionPolicy = "tags"
)

// Weights for the weighted scoring policy. They need not sum to 1.
type Weights struct {
	Revenue float64 `json:"revenue" yaml:"revenue"`
	Units   float64 `json:"units" yaml:"units"`
	Stock   float64 `json:"stock" yaml:"stock"`
}

// RankingSpec describes one ranked output of a run.
type RankingSpec struct {
	Name      string          `json:"name" yaml:"name"`
	File      string          `json:"file,omitempty" yaml:"file"` // flat rankings
	Dir       string          `json:"dir,omitempty" yaml:"dir"`   // partitioned rankings
	Scoring   ScoringPolicy   `json:"scoring" yaml:"scoring"`
	Weights   Weights         `json:"weights" yaml:"weights"`
	Sort      SortPolicy      `json:"sort" yaml:"sort"`
	Partition PartitionPolicy `json:"partition,omitempty" yaml:"partition"`
	Limit     int             `json:"limit,omitempty" yaml:"limit"` // 0 keeps everything
	Excel     bool            `json:"excel,omitempty" yaml:"excel"`
}

// Partitioned reports whether the ranking is split by tag.
func (r RankingSpec) Partitioned() bool {
	return r.Partition == PartitionTags
}

// UsesSales reports whether the ranking depends on order data at all.
func (r RankingSpec) UsesSales() bool {
	return r.Scoring != ScoringNone || r.Sort != SortByStockRecency
}

// Validate checks the ranking for unknown policies and missing targets.
func (r RankingSpec) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("ranking name is required")
	}
	switch r.Scoring {
	case ScoringNone, ScoringWeighted, ScoringHeuristic:
	default:
		return fmt.Errorf("ranking %s: unknown scoring policy %q", r.Name, r.Scoring)
	}
	switch r.Sort {
	case SortByScore, SortByRevenueUnitsStock, SortByStockRecency, SortByUnitsSold:
	default:
		return fmt.Errorf("ranking %s: unknown sort policy %q", r.Name, r.Sort)
	}
	switch r.Partition {
	case PartitionNone:
		if r.File == "" {
			return fmt.Errorf("ranking %s: file is required", r.Name)
		}
	case PartitionTags:
		if r.Dir == "" {
			return fmt.Errorf("ranking %s: dir is required for tag partitions", r.Name)
		}
	default:
		return fmt.Errorf("ranking %s: unknown partition policy %q", r.Name, r.Partition)
	}
	if r.Limit < 0 {
		return fmt.Errorf("ranking %s: limit must not be negative", r.Name)
	}
	for _, w := range []struct {
		name  string
		value float64
	}{
		{"revenue", r.Weights.Revenue},
		{"units", r.Weights.Units},
		{"stock", r.Weights.Stock},
	} {
		if math.IsNaN(w.value) || math.IsInf(w.value, 0) {
			return fmt.Errorf("ranking %s: %s weight must be a finite number, got %v", r.Name, w.name, w.value)
		}
	}
	return nil
}

// Source identifies the store and the order window to read.
type Source struct {
	StoreDomain  string `json:"store_domain" yaml:"store_domain"`
	APIVersion   string `json:"api_version" yaml:"api_version"`
	MinOrderDate string `json:"min_order_date" yaml:"min_order_date"` // YYYY-MM-DD
	ReviewsURL   string `json:"reviews_url,omitempty" yaml:"reviews_url"`
}

// BaseURL returns the store origin. A domain that already carries a scheme
// is used as-is.
func (s Source) BaseURL() string {
	domain := strings.TrimRight(s.StoreDomain, "/")
	if strings.Contains(domain, "://") {
		return domain
	}
	return "https://" + domain
}

// ConcurrencyConfig bounds request rate and run duration.
type ConcurrencyConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second" yaml:"requests_per_second"`
	Burst             int     `json:"burst" yaml:"burst"`
	HTTPTimeout       string  `json:"http_timeout" yaml:"http_timeout"` // e.g., "30s"
	JobTimeout        string  `json:"job_timeout" yaml:"job_timeout"`   // e.g., "10m"
}

// PipelineJobSpec is everything a run needs except credentials.
type PipelineJobSpec struct {
	Source      Source            `json:"source" yaml:"source"`
	KeyMode     KeyMode           `json:"key_mode" yaml:"key_mode"`
	Rankings    []RankingSpec     `json:"rankings" yaml:"rankings"`
	Concurrency ConcurrencyConfig `json:"concurrency" yaml:"concurrency"`
}

// NeedsOrders reports whether any ranking requires the order collection.
func (j PipelineJobSpec) NeedsOrders() bool {
	for _, r := range j.Rankings {
		if r.UsesSales() {
			return true
		}
	}
	return false
}
