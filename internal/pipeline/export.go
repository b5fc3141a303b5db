package pipeline

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"merch-rank/internal/logging"
	"merch-rank/internal/model"
	"merch-rank/pkg/utils"

	"github.com/google/renameio"
	"github.com/xuri/excelize/v2"
)

// MasterTagFile holds every tag partition of a tag ranking in one document.
const MasterTagFile = "all-tag-rankings.json"

const tagFileSuffix = "-rankings.json"

// Exporter writes rankings below a base directory. All artifacts are rendered
// in memory first; each file is then written whole to a temporary file and
// renamed into place.
type Exporter struct {
	BaseDir string
}

func NewExporter(baseDir string) *Exporter {
	return &Exporter{BaseDir: baseDir}
}

// artifact is one rendered output file, relative to BaseDir.
type artifact struct {
	rel    string
	data   []byte
	result model.ExportResult
}

// Export writes every artifact of one ranking and reports them in write order.
func (e *Exporter) Export(r *Ranking) ([]model.ExportResult, error) {
	return e.ExportAll([]*Ranking{r})
}

// ExportAll renders every ranking before writing any file, so an encoding
// failure leaves the previous output untouched. Per-tag files left over from
// earlier runs in a tag directory are removed once the new files are in place.
func (e *Exporter) ExportAll(rankings []*Ranking) ([]model.ExportResult, error) {
	var staged []artifact
	tagDirs := make(map[string]bool)
	for _, r := range rankings {
		arts, err := e.render(r)
		if err != nil {
			return nil, fmt.Errorf("export %s: %w", r.Spec.Name, err)
		}
		staged = append(staged, arts...)
		if r.Spec.Partitioned() {
			tagDirs[r.Spec.Dir] = true
		}
	}

	written := make(map[string]bool, len(staged))
	results := make([]model.ExportResult, 0, len(staged))
	for _, a := range staged {
		if err := e.write(a.rel, a.data); err != nil {
			return nil, fmt.Errorf("export %s: %w", a.result.Ranking, err)
		}
		written[filepath.Clean(a.rel)] = true
		results = append(results, a.result)
	}

	for dir := range tagDirs {
		if err := e.pruneTagFiles(dir, written); err != nil {
			return nil, err
		}
	}
	logging.Info(fmt.Sprintf("💾 Wrote %d files to %s", len(results), e.BaseDir))
	return results, nil
}

func (e *Exporter) render(r *Ranking) ([]artifact, error) {
	var arts []artifact
	var err error
	if r.Spec.Partitioned() {
		arts, err = renderPartitions(r)
	} else {
		arts, err = renderFlat(r)
	}
	if err != nil {
		return nil, err
	}

	if r.Spec.Excel {
		a, err := renderExcel(r)
		if err != nil {
			return nil, err
		}
		arts = append(arts, a)
	}
	return arts, nil
}

func renderFlat(r *Ranking) ([]artifact, error) {
	records := r.Records
	if records == nil {
		records = []model.DerivedRecord{}
	}
	data, err := encodeJSON(records)
	if err != nil {
		return nil, err
	}
	logging.Debug(fmt.Sprintf("💾 Rendered %d records for %s", len(records), r.Spec.File))
	return []artifact{{
		rel:  r.Spec.File,
		data: data,
		result: model.ExportResult{
			Ranking:     r.Spec.Name,
			Type:        "json",
			Path:        filepath.ToSlash(r.Spec.File),
			RecordCount: len(records),
			ExportedAt:  time.Now().UTC(),
		},
	}}, nil
}

func renderPartitions(r *Ranking) ([]artifact, error) {
	master, err := encodePartitions(r.Partitions)
	if err != nil {
		return nil, err
	}
	masterPath := filepath.Join(r.Spec.Dir, MasterTagFile)
	arts := []artifact{{
		rel:  masterPath,
		data: master,
		result: model.ExportResult{
			Ranking:     r.Spec.Name,
			Type:        "json",
			Path:        filepath.ToSlash(masterPath),
			RecordCount: r.Len(),
			ExportedAt:  time.Now().UTC(),
		},
	}}

	names := TagFileNames(r.Partitions)
	for i, p := range r.Partitions {
		data, err := encodeJSON(p.Records)
		if err != nil {
			return nil, err
		}
		path := filepath.Join(r.Spec.Dir, names[i])
		arts = append(arts, artifact{
			rel:  path,
			data: data,
			result: model.ExportResult{
				Ranking:     r.Spec.Name,
				Partition:   p.Tag,
				Type:        "json",
				Path:        filepath.ToSlash(path),
				RecordCount: len(p.Records),
				ExportedAt:  time.Now().UTC(),
			},
		})
	}
	logging.Info(fmt.Sprintf("🏷️ Rendered %d tag rankings for %s", len(r.Partitions), r.Spec.Dir))
	return arts, nil
}

// pruneTagFiles removes "*-rankings.json" files in dir that this export did
// not write, so tags that disappeared do not keep serving old rankings.
func (e *Exporter) pruneTagFiles(dir string, written map[string]bool) error {
	entries, err := os.ReadDir(filepath.Join(e.BaseDir, dir))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to list %s: %w", dir, err)
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, tagFileSuffix) {
			continue
		}
		rel := filepath.Join(dir, name)
		if written[filepath.Clean(rel)] {
			continue
		}
		if err := os.Remove(filepath.Join(e.BaseDir, rel)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to remove stale %s: %w", rel, err)
		}
		logging.Info(fmt.Sprintf("🧹 Removed stale tag ranking %s", rel))
	}
	return nil
}

// TagFileNames returns "{slug}-rankings.json" for each partition. Tags whose
// slugs collide get a numeric suffix; tags with no usable characters fall
// back to "tag".
func TagFileNames(partitions []model.Partition) []string {
	used := make(map[string]bool)
	names := make([]string, len(partitions))
	for i, p := range partitions {
		base := utils.Slugify(p.Tag)
		if base == "" {
			base = "tag"
		}
		slug := base
		for n := 2; used[slug]; n++ {
			slug = fmt.Sprintf("%s-%d", base, n)
		}
		used[slug] = true
		names[i] = slug + tagFileSuffix
	}
	return names
}

func (e *Exporter) write(rel string, data []byte) error {
	path := filepath.Join(e.BaseDir, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	if err := renameio.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	logging.Debug(fmt.Sprintf("💾 Wrote %s", rel))
	return nil
}


// ------------------- JSON -------------------

func encodeJSON(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("failed to encode JSON: %w", err)
	}
	return buf.Bytes(), nil
}

// encodePartitions writes {"tag": [...], ...} keeping partition order, which
// a Go map would lose.
func encodePartitions(partitions []model.Partition) ([]byte, error) {
	var compact bytes.Buffer
	enc := json.NewEncoder(&compact)
	enc.SetEscapeHTML(false)

	compact.WriteByte('{')
	for i, p := range partitions {
		if i > 0 {
			compact.WriteByte(',')
		}
		if err := enc.Encode(p.Tag); err != nil {
			return nil, fmt.Errorf("failed to encode JSON: %w", err)
		}
		compact.WriteByte(':')
		records := p.Records
		if records == nil {
			records = []model.DerivedRecord{}
		}
		if err := enc.Encode(records); err != nil {
			return nil, fmt.Errorf("failed to encode JSON: %w", err)
		}
	}
	compact.WriteByte('}')

	var out bytes.Buffer
	if err := json.Indent(&out, compact.Bytes(), "", "  "); err != nil {
		return nil, fmt.Errorf("failed to indent JSON: %w", err)
	}
	out.WriteByte('\n')
	return out.Bytes(), nil
}

// ------------------- Excel -------------------

var excelHeader = []interface{}{
	"Rank", "Handle", "Title", "Vendor", "Product Type", "Tags",
	"In Stock", "Units Sold", "Revenue", "Score", "Price",
}

func excelRow(r model.DerivedRecord) []interface{} {
	revenue, _ := r.Revenue.Round(2).Float64()
	price := ""
	if r.Price != nil {
		price = r.Price.Display()
	}
	return []interface{}{
		r.Rank, r.Handle, r.Title, r.Vendor, r.ProductType, strings.Join(r.Tags, ", "),
		r.InStock, r.UnitsSold, revenue, r.Score, price,
	}
}

// renderExcel builds the ranking as a workbook next to its JSON output: one
// sheet for a flat ranking, one sheet per tag for a tag ranking.
func renderExcel(r *Ranking) (artifact, error) {
	f := excelize.NewFile()
	defer f.Close()

	type sheet struct {
		name    string
		records []model.DerivedRecord
	}
	var sheets []sheet
	var rel string
	if r.Spec.Partitioned() {
		names := SheetNames(r.Partitions)
		for i, p := range r.Partitions {
			sheets = append(sheets, sheet{name: names[i], records: p.Records})
		}
		rel = filepath.Join(r.Spec.Dir, utils.Slugify(r.Spec.Name)+".xlsx")
	} else {
		sheets = append(sheets, sheet{name: "Ranking", records: r.Records})
		rel = strings.TrimSuffix(r.Spec.File, filepath.Ext(r.Spec.File)) + ".xlsx"
	}
	if len(sheets) == 0 {
		sheets = append(sheets, sheet{name: "Ranking"})
	}

	for i, s := range sheets {
		if i == 0 {
			if err := f.SetSheetName("Sheet1", s.name); err != nil {
				return artifact{}, fmt.Errorf("excel sheet %s: %w", s.name, err)
			}
		} else if _, err := f.NewSheet(s.name); err != nil {
			return artifact{}, fmt.Errorf("excel sheet %s: %w", s.name, err)
		}
		if err := f.SetSheetRow(s.name, "A1", &excelHeader); err != nil {
			return artifact{}, err
		}
		for j, rec := range s.records {
			cell, err := excelize.CoordinatesToCellName(1, j+2)
			if err != nil {
				return artifact{}, err
			}
			row := excelRow(rec)
			if err := f.SetSheetRow(s.name, cell, &row); err != nil {
				return artifact{}, err
			}
		}
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return artifact{}, fmt.Errorf("failed to render workbook: %w", err)
	}
	logging.Info(fmt.Sprintf("📗 Rendered workbook %s", rel))
	return artifact{
		rel:  rel,
		data: buf.Bytes(),
		result: model.ExportResult{
			Ranking:     r.Spec.Name,
			Type:        "excel",
			Path:        filepath.ToSlash(rel),
			RecordCount: r.Len(),
			ExportedAt:  time.Now().UTC(),
		},
	}, nil
}

const maxSheetName = 31

// SheetNames maps tags onto unique worksheet names: forbidden characters
// replaced, cut to 31 characters.
func SheetNames(partitions []model.Partition) []string {
	replacer := strings.NewReplacer(":", "-", `\`, "-", "/", "-", "?", "", "*", "", "[", "(", "]", ")")
	used := make(map[string]bool)
	names := make([]string, len(partitions))
	for i, p := range partitions {
		base := strings.Trim(replacer.Replace(p.Tag), "' ")
		if base == "" {
			base = "Tag"
		}
		name := truncateRunes(base, maxSheetName)
		for n := 2; used[strings.ToLower(name)]; n++ {
			suffix := fmt.Sprintf(" (%d)", n)
			name = truncateRunes(base, maxSheetName-len(suffix)) + suffix
		}
		used[strings.ToLower(name)] = true
		names[i] = name
	}
	return names
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
