package splitter

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/nconklindev/sheetsplit/internal/types"
)

// planCheckRows is how often the planner's streaming passes look at ctx.
const planCheckRows = 1000

// sheetPlan is the resolved view of one selected sheet.
type sheetPlan struct {
	info    types.SheetInfo
	headers []string
	columns map[string]int
	first   int // first data row
}

// Plan turns cfg into an ordered list of output partitions. Sheets are
// planned in workbook order. The result depends only on the workbook
// contents and cfg.
func Plan(ctx context.Context, wb *Workbook, cfg types.SplitConfig) (*types.SplitPlan, error) {
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	cfg = Normalize(cfg)

	sheets, err := resolveSheets(wb, cfg)
	if err != nil {
		return nil, err
	}

	stamp := cfg.Timestamp
	if stamp.IsZero() {
		stamp = wb.OpenedAt()
	}
	names := newNamer(cfg.NamingRule, wb.Stem(), stamp)

	plan := &types.SplitPlan{
		SourceName: wb.Name(),
		HeaderRow:  cfg.HeaderRow,
		Mode:       cfg.Mode,
	}

	for _, sp := range sheets {
		var parts []types.PartitionSpec
		switch cfg.Mode {
		case types.ModeRowCount:
			parts = planRowCount(sp, cfg.RowsPerFile)
		case types.ModeColumnSubset:
			parts, err = planColumnSubset(sp, cfg.Columns)
		case types.ModeGroupColumn:
			parts, err = planGroups(ctx, wb, sp, cfg)
		}
		if err != nil {
			return nil, err
		}

		values, err := namingValues(ctx, wb, sp, cfg, parts)
		if err != nil {
			return nil, err
		}
		for i := range parts {
			parts[i].Index = len(plan.Partitions)
			parts[i].FileName = names.name(sp.info.Name, i+1, parts[i].Index+1, values[i])
			plan.Partitions = append(plan.Partitions, parts[i])
		}
	}
	return plan, nil
}

func resolveSheets(wb *Workbook, cfg types.SplitConfig) ([]sheetPlan, error) {
	selected := make(map[string]bool, len(cfg.Sheets))
	for _, s := range cfg.Sheets {
		if _, ok := wb.Sheet(s); !ok {
			return nil, invalidConfig("sheet %q not found in %s", s, wb.Name())
		}
		selected[s] = true
	}

	var out []sheetPlan
	for _, info := range wb.Sheets() {
		if !selected[info.Name] {
			continue
		}
		headers, err := wb.Headers(info.Name, cfg.HeaderRow)
		if err != nil {
			return nil, err
		}
		sp := sheetPlan{
			info:    info,
			headers: headers,
			columns: make(map[string]int, len(headers)),
			first:   cfg.HeaderRow + 1,
		}
		for i, h := range headers {
			if _, dup := sp.columns[h]; h != "" && !dup {
				sp.columns[h] = i
			}
		}
		if err := sp.require(cfg.GroupColumn, cfg.NamingColumn); err != nil {
			return nil, err
		}
		out = append(out, sp)
	}
	return out, nil
}

func (sp sheetPlan) require(names ...string) error {
	for _, name := range names {
		if name == "" {
			continue
		}
		if _, ok := sp.columns[name]; !ok {
			return invalidConfig("column %q not found in sheet %q", name, sp.info.Name)
		}
	}
	return nil
}

func (sp sheetPlan) dataRows() int {
	if sp.info.LastRow < sp.first {
		return 0
	}
	return sp.info.LastRow - sp.first + 1
}

func planRowCount(sp sheetPlan, perFile int) []types.PartitionSpec {
	var parts []types.PartitionSpec
	for start := sp.first; start <= sp.info.LastRow; start += perFile {
		end := min(start+perFile-1, sp.info.LastRow)
		parts = append(parts, types.PartitionSpec{
			Sheet:    sp.info.Name,
			Label:    fmt.Sprintf("rows %d-%d", start, end),
			Kind:     types.PartitionRange,
			FirstRow: start,
			LastRow:  end,
			RowCount: end - start + 1,
		})
	}
	return parts
}

func planColumnSubset(sp sheetPlan, columns []string) ([]types.PartitionSpec, error) {
	if err := sp.require(columns...); err != nil {
		return nil, err
	}
	if sp.dataRows() == 0 {
		return nil, nil
	}

	projection := make([]int, 0, len(columns))
	for _, c := range columns {
		projection = append(projection, sp.columns[c])
	}
	slices.Sort(projection)

	labels := make([]string, len(projection))
	for i, col := range projection {
		labels[i] = sp.headers[col]
	}
	return []types.PartitionSpec{{
		Sheet:    sp.info.Name,
		Label:    strings.Join(labels, ", "),
		Kind:     types.PartitionRange,
		FirstRow: sp.first,
		LastRow:  sp.info.LastRow,
		Columns:  projection,
		RowCount: sp.dataRows(),
	}}, nil
}

// planGroups streams the group column once and creates a partition per
// distinct trimmed value, in order of first appearance.
func planGroups(ctx context.Context, wb *Workbook, sp sheetPlan, cfg types.SplitConfig) ([]types.PartitionSpec, error) {
	col := sp.columns[cfg.GroupColumn]
	var parts []types.PartitionSpec
	index := make(map[string]int)

	err := eachDataRow(ctx, wb, sp, func(row types.Row) {
		value := CellText(row.Cell(col))
		i, ok := index[value]
		if !ok {
			label := value
			if label == "" {
				label = BlankGroupName
			}
			i = len(parts)
			index[value] = i
			parts = append(parts, types.PartitionSpec{
				Sheet:       sp.info.Name,
				Label:       label,
				Kind:        types.PartitionGroup,
				FirstRow:    row.Index,
				GroupColumn: col,
				GroupValue:  value,
			})
		}
		parts[i].LastRow = row.Index
		parts[i].RowCount++
	})
	if err != nil {
		return nil, err
	}
	return parts, nil
}

// namingValues returns, per partition, the naming column value of the
// partition's first row. It reads the sheet only for the group-value rule.
func namingValues(ctx context.Context, wb *Workbook, sp sheetPlan, cfg types.SplitConfig, parts []types.PartitionSpec) ([]string, error) {
	values := make([]string, len(parts))
	if cfg.NamingRule != types.NamingGroupValue || len(parts) == 0 {
		return values, nil
	}

	col := sp.columns[cfg.NamingColumn]
	if cfg.Mode == types.ModeGroupColumn && col == sp.columns[cfg.GroupColumn] {
		for i, p := range parts {
			values[i] = p.GroupValue
		}
		return values, nil
	}

	wanted := make(map[int][]int, len(parts))
	for i, p := range parts {
		wanted[p.FirstRow] = append(wanted[p.FirstRow], i)
	}
	err := eachDataRow(ctx, wb, sp, func(row types.Row) {
		for _, i := range wanted[row.Index] {
			values[i] = CellText(row.Cell(col))
		}
	})
	return values, err
}

func eachDataRow(ctx context.Context, wb *Workbook, sp sheetPlan, fn func(types.Row)) error {
	it, err := wb.Rows(sp.info.Name)
	if err != nil {
		return err
	}
	defer it.Close()

	for n := 0; it.Next(); n++ {
		if n%planCheckRows == 0 && ctx.Err() != nil {
			return newStageError("plan", sp.info.Name, ErrCancelled, ctx.Err())
		}
		row := it.Row()
		if row.Index < sp.first {
			continue
		}
		fn(row)
	}
	return it.Err()
}
