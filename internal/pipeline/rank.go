package pipeline

import (
	"fmt"
	"sort"

	"merch-rank/internal/model"
)

// ------------------- Sort policies -------------------

// less reports whether a must come before b. Every comparator is used with a
// stable sort, so records equal on every key keep their input order.
type less func(a, b *model.DerivedRecord) bool

var comparators = map[model.SortPolicy]less{
	model.SortByScore:             byScore,
	model.SortByRevenueUnitsStock: byRevenueUnitsStock,
	model.SortByStockRecency:      byStockRecency,
	model.SortByUnitsSold:         byUnitsSold,
}

func byScore(a, b *model.DerivedRecord) bool {
	return a.Score > b.Score
}

func byRevenueUnitsStock(a, b *model.DerivedRecord) bool {
	if c := a.Revenue.Cmp(b.Revenue); c != 0 {
		return c > 0
	}
	if a.UnitsSold != b.UnitsSold {
		return a.UnitsSold > b.UnitsSold
	}
	return a.InStock && !b.InStock
}

func byStockRecency(a, b *model.DerivedRecord) bool {
	if a.InStock != b.InStock {
		return a.InStock
	}
	return a.CreatedAt.After(b.CreatedAt)
}

func byUnitsSold(a, b *model.DerivedRecord) bool {
	return a.UnitsSold > b.UnitsSold
}

// SortRecords orders records in place under the policy.
func SortRecords(records []model.DerivedRecord, policy model.SortPolicy) error {
	cmp, ok := comparators[policy]
	if !ok {
		return fmt.Errorf("unknown sort policy: %s", policy)
	}
	sort.SliceStable(records, func(i, j int) bool {
		return cmp(&records[i], &records[j])
	})
	return nil
}

// ------------------- Partitioning -------------------

// PartitionByTag places a copy of each record in one partition per distinct
// tag it carries. Partitions come back in first-seen tag order and records
// keep their input order inside each partition.
func PartitionByTag(records []model.DerivedRecord) []model.Partition {
	index := make(map[string]int)
	var partitions []model.Partition
	for _, r := range records {
		for _, tag := range r.Tags {
			i, ok := index[tag]
			if !ok {
				i = len(partitions)
				index[tag] = i
				partitions = append(partitions, model.Partition{Tag: tag})
			}
			partitions[i].Records = append(partitions[i].Records, r)
		}
	}
	return partitions
}

// ------------------- Ranks -------------------

// Truncate keeps the first limit records; a limit of 0 keeps all of them.
func Truncate(records []model.DerivedRecord, limit int) []model.DerivedRecord {
	if limit > 0 && len(records) > limit {
		return records[:limit]
	}
	return records
}

// AssignRanks numbers records 1..n in their current order.
func AssignRanks(records []model.DerivedRecord) {
	for i := range records {
		records[i].Rank = i + 1
	}
}

// Ranking is the finished output of one RankingSpec. Flat rankings fill
// Records; tag rankings fill Partitions.
type Ranking struct {
	Spec       model.RankingSpec
	Records    []model.DerivedRecord
	Partitions []model.Partition
}

// Len is the number of ranked rows across the whole ranking.
func (r *Ranking) Len() int {
	if !r.Spec.Partitioned() {
		return len(r.Records)
	}
	n := 0
	for _, p := range r.Partitions {
		n += len(p.Records)
	}
	return n
}

// BuildRanking scores, orders, partitions, truncates and ranks the derived
// records for one ranking. The input slice is not modified.
func BuildRanking(records []model.DerivedRecord, spec model.RankingSpec) (*Ranking, error) {
	scored, err := Score(records, spec.Scoring, spec.Weights)
	if err != nil {
		return nil, fmt.Errorf("ranking %s: %w", spec.Name, err)
	}

	out := &Ranking{Spec: spec}
	if !spec.Partitioned() {
		if err := SortRecords(scored, spec.Sort); err != nil {
			return nil, fmt.Errorf("ranking %s: %w", spec.Name, err)
		}
		out.Records = Truncate(scored, spec.Limit)
		AssignRanks(out.Records)
		return out, nil
	}

	for _, p := range PartitionByTag(scored) {
		if err := SortRecords(p.Records, spec.Sort); err != nil {
			return nil, fmt.Errorf("ranking %s: %w", spec.Name, err)
		}
		p.Records = Truncate(p.Records, spec.Limit)
		AssignRanks(p.Records)
		out.Partitions = append(out.Partitions, p)
	}
	return out, nil
}
