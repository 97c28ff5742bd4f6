package splitter

import (
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/nconklindev/sheetsplit/internal/types"
)

const (
	outputExt      = ".xlsx"
	maxNameRunes   = 120
	timestampFmt   = "20060102T150405Z"
	BlankGroupName = "(blank)"
)

// SanitizeName makes s usable as a file name segment on every platform.
func SanitizeName(s string) string {
	s = strings.Map(func(r rune) rune {
		switch {
		case unicode.IsControl(r):
			return '_'
		case strings.ContainsRune(`\/:*?"<>|`, r):
			return '_'
		}
		return r
	}, s)
	s = strings.Trim(s, ". ")
	if s == "" {
		return "_"
	}
	return s
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return strings.TrimRight(string(r[:n]), ". ")
}

// namer hands out output file names for one plan. Names are unique ignoring
// case.
type namer struct {
	rule  types.NamingRule
	stem  string
	stamp string
	used  map[string]bool
}

func newNamer(rule types.NamingRule, stem string, stamp time.Time) *namer {
	return &namer{
		rule:  rule,
		stem:  SanitizeName(stem),
		stamp: stamp.UTC().Format(timestampFmt),
		used:  make(map[string]bool),
	}
}

// name builds the file name of a partition. sheetIndex counts from 1 within
// the sheet, planIndex from 1 across the plan; value is the naming column
// value used by the group-value rule.
func (n *namer) name(sheet string, sheetIndex, planIndex int, value string) string {
	var base string
	switch n.rule {
	case types.NamingTimestamp:
		base = SanitizeName(sheet) + "_" + n.stamp
	case types.NamingSourceName:
		base = fmt.Sprintf("%s_%03d", n.stem, planIndex)
	case types.NamingGroupValue:
		if value == "" {
			value = BlankGroupName
		}
		base = SanitizeName(sheet) + "_" + SanitizeName(value)
	default:
		base = fmt.Sprintf("%s_%03d", SanitizeName(sheet), sheetIndex)
	}
	return n.unique(truncateRunes(base, maxNameRunes))
}

func (n *namer) unique(base string) string {
	name := base + outputExt
	for i := 2; n.used[strings.ToLower(name)]; i++ {
		name = fmt.Sprintf("%s_%d%s", base, i, outputExt)
	}
	n.used[strings.ToLower(name)] = true
	return name
}
