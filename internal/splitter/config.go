package splitter

import (
	"slices"
	"strings"

	"github.com/nconklindev/sheetsplit/internal/types"
)

// Validate checks cfg for structural problems. It performs no I/O, so a bad
// request is rejected before the workbook is touched.
func Validate(cfg types.SplitConfig) error {
	if len(cfg.Sheets) == 0 {
		return invalidConfig("no sheets selected")
	}
	seen := make(map[string]bool, len(cfg.Sheets))
	for _, s := range cfg.Sheets {
		if s == "" {
			return invalidConfig("empty sheet name")
		}
		if seen[s] {
			return invalidConfig("sheet %q selected twice", s)
		}
		seen[s] = true
	}

	if cfg.HeaderRow < 0 {
		return invalidConfig("header row must be positive, got %d", cfg.HeaderRow)
	}

	rowParams := cfg.RowsPerFile != 0
	colParams := len(cfg.Columns) > 0
	groupParams := cfg.GroupColumn != ""

	switch cfg.Mode {
	case types.ModeRowCount:
		if cfg.RowsPerFile <= 0 {
			return invalidConfig("rowsPerFile must be positive, got %d", cfg.RowsPerFile)
		}
		if colParams || groupParams {
			return invalidConfig("mode %s takes only rowsPerFile", cfg.Mode)
		}
	case types.ModeColumnSubset:
		if !colParams {
			return invalidConfig("mode %s needs at least one column", cfg.Mode)
		}
		if rowParams || groupParams {
			return invalidConfig("mode %s takes only columns", cfg.Mode)
		}
		cols := make(map[string]bool, len(cfg.Columns))
		for _, c := range cfg.Columns {
			c = strings.TrimSpace(c)
			if c == "" {
				return invalidConfig("empty column name")
			}
			if cols[c] {
				return invalidConfig("column %q selected twice", c)
			}
			cols[c] = true
		}
	case types.ModeGroupColumn:
		if strings.TrimSpace(cfg.GroupColumn) == "" {
			return invalidConfig("mode %s needs a group column", cfg.Mode)
		}
		if rowParams || colParams {
			return invalidConfig("mode %s takes only groupColumn", cfg.Mode)
		}
	case "":
		return invalidConfig("no split mode selected")
	default:
		return invalidConfig("unknown split mode %q", cfg.Mode)
	}

	switch cfg.NamingRule {
	case types.NamingSequential, types.NamingTimestamp, types.NamingSourceName:
	case types.NamingGroupValue:
		if strings.TrimSpace(cfg.NamingColumn) == "" {
			return invalidConfig("naming rule %s needs a naming column", cfg.NamingRule)
		}
	case "":
		return invalidConfig("no naming rule selected")
	default:
		return invalidConfig("unknown naming rule %q", cfg.NamingRule)
	}
	return nil
}

// Normalize fills in defaults. It does not validate.
func Normalize(cfg types.SplitConfig) types.SplitConfig {
	if cfg.HeaderRow == 0 {
		cfg.HeaderRow = DefaultHeaderRow
	}
	cfg.GroupColumn = strings.TrimSpace(cfg.GroupColumn)
	cfg.NamingColumn = strings.TrimSpace(cfg.NamingColumn)
	if len(cfg.Columns) > 0 {
		cols := make([]string, len(cfg.Columns))
		for i, c := range cfg.Columns {
			cols[i] = strings.TrimSpace(c)
		}
		cfg.Columns = cols
	}
	return cfg
}

// CheckColumns checks the sheet and column names of a normalized cfg
// against an inspection taken at cfg.HeaderRow. Sheets listed without
// headers are left for the planner to reject.
func CheckColumns(cfg types.SplitConfig, sheets []types.SheetInfo) error {
	byName := make(map[string]types.SheetInfo, len(sheets))
	for _, s := range sheets {
		byName[s.Name] = s
	}

	names := append([]string{cfg.GroupColumn, cfg.NamingColumn}, cfg.Columns...)
	for _, sheet := range cfg.Sheets {
		info, ok := byName[sheet]
		if !ok {
			return invalidConfig("sheet %q not found", sheet)
		}
		if len(info.Headers) == 0 {
			continue
		}
		for _, name := range names {
			if name != "" && !slices.Contains(info.Headers, name) {
				return invalidConfig("column %q not found in sheet %q", name, sheet)
			}
		}
	}
	return nil
}
