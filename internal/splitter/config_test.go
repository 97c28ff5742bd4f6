package splitter

import (
	"errors"
	"testing"

	"github.com/nconklindev/sheetsplit/internal/types"
)

func TestValidate(t *testing.T) {
	base := func(mut func(*types.SplitConfig)) types.SplitConfig {
		cfg := types.SplitConfig{
			Sheets:      []string{"Sheet1"},
			Mode:        types.ModeRowCount,
			RowsPerFile: 100,
			NamingRule:  types.NamingSequential,
		}
		mut(&cfg)
		return cfg
	}

	tests := []struct {
		name    string
		cfg     types.SplitConfig
		wantErr bool
	}{
		{"Valid row count", base(func(c *types.SplitConfig) {}), false},
		{"Valid column subset", base(func(c *types.SplitConfig) {
			c.Mode, c.RowsPerFile, c.Columns = types.ModeColumnSubset, 0, []string{"A", "B"}
		}), false},
		{"Valid group column", base(func(c *types.SplitConfig) {
			c.Mode, c.RowsPerFile, c.GroupColumn = types.ModeGroupColumn, 0, "Dept"
		}), false},
		{"Valid group-value naming", base(func(c *types.SplitConfig) {
			c.NamingRule, c.NamingColumn = types.NamingGroupValue, "Dept"
		}), false},
		{"No sheets", base(func(c *types.SplitConfig) { c.Sheets = nil }), true},
		{"Duplicate sheets", base(func(c *types.SplitConfig) { c.Sheets = []string{"A", "A"} }), true},
		{"Zero rows per file", base(func(c *types.SplitConfig) { c.RowsPerFile = 0 }), true},
		{"Negative rows per file", base(func(c *types.SplitConfig) { c.RowsPerFile = -5 }), true},
		{"Row count with columns", base(func(c *types.SplitConfig) { c.Columns = []string{"A"} }), true},
		{"Empty column subset", base(func(c *types.SplitConfig) {
			c.Mode, c.RowsPerFile = types.ModeColumnSubset, 0
		}), true},
		{"Column subset with rows per file", base(func(c *types.SplitConfig) {
			c.Mode, c.Columns = types.ModeColumnSubset, []string{"A"}
		}), true},
		{"Duplicate column", base(func(c *types.SplitConfig) {
			c.Mode, c.RowsPerFile, c.Columns = types.ModeColumnSubset, 0, []string{"A", " A"}
		}), true},
		{"Missing group column", base(func(c *types.SplitConfig) {
			c.Mode, c.RowsPerFile = types.ModeGroupColumn, 0
		}), true},
		{"Group column with rows per file", base(func(c *types.SplitConfig) {
			c.Mode, c.GroupColumn = types.ModeGroupColumn, "Dept"
		}), true},
		{"Unknown mode", base(func(c *types.SplitConfig) { c.Mode = "by-magic" }), true},
		{"Missing mode", base(func(c *types.SplitConfig) { c.Mode = "" }), true},
		{"Unknown naming rule", base(func(c *types.SplitConfig) { c.NamingRule = "random" }), true},
		{"Group-value without column", base(func(c *types.SplitConfig) { c.NamingRule = types.NamingGroupValue }), true},
		{"Negative header row", base(func(c *types.SplitConfig) { c.HeaderRow = -1 }), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v; wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidConfiguration) {
				t.Errorf("Validate() error = %v; want ErrInvalidConfiguration", err)
			}
		})
	}
}

func TestNormalize(t *testing.T) {
	cfg := Normalize(types.SplitConfig{Columns: []string{" A ", "B"}, GroupColumn: " Dept "})
	if cfg.HeaderRow != DefaultHeaderRow {
		t.Errorf("HeaderRow = %d; want %d", cfg.HeaderRow, DefaultHeaderRow)
	}
	if cfg.Columns[0] != "A" || cfg.GroupColumn != "Dept" {
		t.Errorf("Normalize() did not trim: %+v", cfg)
	}
}

func TestCheckColumns(t *testing.T) {
	sheets := []types.SheetInfo{
		{Name: "Staff", HeaderRow: 1, Headers: []string{"ID", "Name", "Dept"}},
		{Name: "Blank", HeaderRow: 1},
	}
	tests := []struct {
		name    string
		cfg     types.SplitConfig
		wantErr bool
	}{
		{"Known group column", types.SplitConfig{Sheets: []string{"Staff"}, GroupColumn: "Dept"}, false},
		{"Known subset", types.SplitConfig{Sheets: []string{"Staff"}, Columns: []string{"Name", "ID"}}, false},
		{"Unknown group column", types.SplitConfig{Sheets: []string{"Staff"}, GroupColumn: "Team"}, true},
		{"Unknown naming column", types.SplitConfig{Sheets: []string{"Staff"}, GroupColumn: "Dept", NamingColumn: "Team"}, true},
		{"Unknown subset column", types.SplitConfig{Sheets: []string{"Staff"}, Columns: []string{"Name", "Email"}}, true},
		{"Unknown sheet", types.SplitConfig{Sheets: []string{"Payroll"}}, true},
		{"Sheet without headers is left to the planner", types.SplitConfig{Sheets: []string{"Blank"}, GroupColumn: "Dept"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckColumns(tt.cfg, sheets)
			if (err != nil) != tt.wantErr {
				t.Fatalf("CheckColumns() error = %v; wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidConfiguration) {
				t.Errorf("CheckColumns() error = %v; want ErrInvalidConfiguration", err)
			}
		})
	}
}
