package types

import "time"

type SplitMode string

const (
	ModeRowCount     SplitMode = "by-row-count"
	ModeColumnSubset SplitMode = "by-column-subset"
	ModeGroupColumn  SplitMode = "by-group-column"
)

type NamingRule string

const (
	NamingSequential NamingRule = "sequential"
	NamingTimestamp  NamingRule = "timestamp"
	NamingSourceName NamingRule = "source-name"
	NamingGroupValue NamingRule = "group-value"
)

// SplitConfig is the user's split request. Only the parameters of the
// selected Mode may be set.
type SplitConfig struct {
	Sheets       []string   `json:"sheets"`
	Mode         SplitMode  `json:"mode"`
	RowsPerFile  int        `json:"rowsPerFile,omitempty"`
	Columns      []string   `json:"columns,omitempty"`
	GroupColumn  string     `json:"groupColumn,omitempty"`
	NamingRule   NamingRule `json:"namingRule"`
	NamingColumn string     `json:"namingColumn,omitempty"`
	HeaderRow    int        `json:"headerRow,omitempty"`
	Timestamp    time.Time  `json:"timestamp,omitzero"`
}

type CellKind int

const (
	CellEmpty CellKind = iota
	CellString
	CellNumber
	CellBool
	CellError
)

// Cell holds the stored value of a worksheet cell. Value is the raw text
// from the file: numbers are unformatted, booleans are "1" or "0".
type Cell struct {
	Kind  CellKind
	Value string
	Style int
}

func (c Cell) IsBlank() bool {
	return c.Kind == CellEmpty || (c.Kind == CellString && c.Value == "")
}

type Row struct {
	Index int
	Cells []Cell
}

// Cell returns the cell at the 0-based column, or an empty cell.
func (r Row) Cell(col int) Cell {
	if col < 0 || col >= len(r.Cells) {
		return Cell{}
	}
	return r.Cells[col]
}

func (r Row) IsBlank() bool {
	for _, c := range r.Cells {
		if !c.IsBlank() {
			return false
		}
	}
	return true
}

type SheetInfo struct {
	Name      string   `json:"name"`
	LastRow   int      `json:"lastRow"`
	DataRows  int      `json:"dataRows"`
	HeaderRow int      `json:"headerRow"`
	Headers   []string `json:"headers"`
}

type PartitionKind string

const (
	PartitionRange PartitionKind = "range"
	PartitionGroup PartitionKind = "group"
)

// PartitionSpec describes one output file. Range partitions cover the
// source rows FirstRow..LastRow; group partitions cover every data row whose
// GroupColumn value equals GroupValue.
type PartitionSpec struct {
	Index       int           `json:"index"`
	Sheet       string        `json:"sheet"`
	FileName    string        `json:"fileName"`
	Label       string        `json:"label"`
	Kind        PartitionKind `json:"kind"`
	FirstRow    int           `json:"firstRow,omitempty"`
	LastRow     int           `json:"lastRow,omitempty"`
	GroupColumn int           `json:"groupColumn,omitempty"`
	GroupValue  string        `json:"groupValue,omitempty"`
	Columns     []int         `json:"columns,omitempty"`
	RowCount    int           `json:"rowCount"`
}

type SplitPlan struct {
	SourceName string          `json:"sourceName"`
	HeaderRow  int             `json:"headerRow"`
	Mode       SplitMode       `json:"mode"`
	Partitions []PartitionSpec `json:"partitions"`
}

func (p *SplitPlan) TotalRows() int {
	total := 0
	for _, part := range p.Partitions {
		total += part.RowCount
	}
	return total
}

func (p *SplitPlan) FileNames() []string {
	names := make([]string, len(p.Partitions))
	for i, part := range p.Partitions {
		names[i] = part.FileName
	}
	return names
}

type OutputFile struct {
	Name      string `json:"name"`
	Path      string `json:"-"`
	Sheet     string `json:"sheet"`
	Partition int    `json:"partition"`
	Rows      int    `json:"rows"`
	Size      int64  `json:"size"`
}

type FileEntry struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
	Rows int    `json:"rows"`
}

type TaskResult struct {
	TaskID      string      `json:"taskId"`
	FileCount   int         `json:"fileCount"`
	TotalSize   int64       `json:"totalSize"`
	ArchiveName string      `json:"archiveName"`
	ArchiveSize int64       `json:"archiveSize"`
	Files       []FileEntry `json:"files"`
}
