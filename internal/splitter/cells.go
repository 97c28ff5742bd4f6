package splitter

import (
	"archive/zip"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/nconklindev/sheetsplit/internal/types"
)

const (
	relTypeOfficeDocument = "/officeDocument"
	relTypeWorksheet      = "/worksheet"
	relTypeSharedStrings  = "/sharedStrings"
	relTypeStyles         = "/styles"
	relTypeTheme          = "/theme"
)

var errNoWorkbookPart = errors.New("no workbook part in package")

type relationships struct {
	Items []relationship `xml:"Relationship"`
}

type relationship struct {
	ID     string `xml:"Id,attr"`
	Type   string `xml:"Type,attr"`
	Target string `xml:"Target,attr"`
}

type workbookXML struct {
	Sheets []struct {
		Name string `xml:"name,attr"`
		RID  string `xml:"id,attr"`
	} `xml:"sheets>sheet"`
}

// richText matches both <si> entries of the shared string table and <is>
// inline strings. Phonetic runs (<rPh>) are not mapped and so are dropped.
type richText struct {
	T    string `xml:"t"`
	Runs []struct {
		T string `xml:"t"`
	} `xml:"r"`
}

func (rt richText) String() string {
	if len(rt.Runs) == 0 {
		return rt.T
	}
	var sb strings.Builder
	sb.WriteString(rt.T)
	for _, r := range rt.Runs {
		sb.WriteString(r.T)
	}
	return sb.String()
}

// packageParts is the part layout of a workbook package: the worksheet part
// of every sheet in workbook order, the shared string table, and the style
// sheet with the theme its colors refer to.
type packageParts struct {
	order         []string
	sheets        map[string]string
	sharedStrings string
	styles        string
	theme         string
}

func findZipFile(zr *zip.Reader, name string) *zip.File {
	for _, f := range zr.File {
		if f.Name == name {
			return f
		}
	}
	return nil
}

func decodeZipXML(zr *zip.Reader, name string, v any) error {
	f := findZipFile(zr, name)
	if f == nil {
		return fmt.Errorf("%s: %w", name, io.ErrUnexpectedEOF)
	}
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("open %s: %w", name, err)
	}
	defer rc.Close()

	if err := xml.NewDecoder(rc).Decode(v); err != nil {
		return fmt.Errorf("decode %s: %w", name, err)
	}
	return nil
}

// resolveTarget turns a relationship target into a package part name.
func resolveTarget(base, target string) string {
	if strings.HasPrefix(target, "/") {
		return strings.TrimPrefix(target, "/")
	}
	return path.Clean(path.Join(path.Dir(base), target))
}

func relsPath(part string) string {
	return path.Join(path.Dir(part), "_rels", path.Base(part)+".rels")
}

// locateWorkbook finds the main workbook part through the package root
// relationships, falling back to the conventional location.
func locateWorkbook(zr *zip.Reader) (string, error) {
	var rels relationships
	if err := decodeZipXML(zr, "_rels/.rels", &rels); err == nil {
		for _, rel := range rels.Items {
			if strings.HasSuffix(rel.Type, relTypeOfficeDocument) {
				part := resolveTarget("", rel.Target)
				if findZipFile(zr, part) != nil {
					return part, nil
				}
			}
		}
	}
	if findZipFile(zr, "xl/workbook.xml") != nil {
		return "xl/workbook.xml", nil
	}
	return "", errNoWorkbookPart
}

func readPackageParts(zr *zip.Reader, workbookPart string) (packageParts, error) {
	parts := packageParts{sheets: make(map[string]string)}

	var wb workbookXML
	if err := decodeZipXML(zr, workbookPart, &wb); err != nil {
		return parts, err
	}
	var rels relationships
	if err := decodeZipXML(zr, relsPath(workbookPart), &rels); err != nil {
		return parts, err
	}

	targets := make(map[string]string, len(rels.Items))
	for _, rel := range rels.Items {
		switch {
		case strings.HasSuffix(rel.Type, relTypeWorksheet):
			targets[rel.ID] = resolveTarget(workbookPart, rel.Target)
		case strings.HasSuffix(rel.Type, relTypeSharedStrings):
			parts.sharedStrings = resolveTarget(workbookPart, rel.Target)
		case strings.HasSuffix(rel.Type, relTypeStyles):
			parts.styles = resolveTarget(workbookPart, rel.Target)
		case strings.HasSuffix(rel.Type, relTypeTheme):
			parts.theme = resolveTarget(workbookPart, rel.Target)
		}
	}
	for _, s := range wb.Sheets {
		target, ok := targets[s.RID]
		if !ok {
			continue // chartsheets and dialog sheets carry no rows
		}
		if findZipFile(zr, target) == nil {
			return parts, fmt.Errorf("worksheet %q: part %s missing", s.Name, target)
		}
		parts.sheets[s.Name] = target
		parts.order = append(parts.order, s.Name)
	}
	return parts, nil
}

// readSharedStrings streams the shared string table one <si> at a time.
func readSharedStrings(zr *zip.Reader, name string) ([]string, error) {
	if name == "" {
		return nil, nil
	}
	f := findZipFile(zr, name)
	if f == nil {
		return nil, nil
	}
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	defer rc.Close()

	var sst []string
	dec := xml.NewDecoder(rc)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return sst, nil
		}
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", name, err)
		}
		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		switch se.Name.Local {
		case "sst":
			if n, err := strconv.Atoi(attr(se, "uniqueCount")); err == nil && n > 0 && n < 1<<20 {
				sst = make([]string, 0, n)
			}
		case "si":
			var si richText
			if err := dec.DecodeElement(&si, &se); err != nil {
				return nil, fmt.Errorf("decode %s: %w", name, err)
			}
			sst = append(sst, si.String())
		}
	}
}

func attr(se xml.StartElement, local string) string {
	for _, a := range se.Attr {
		if a.Name.Local == local {
			return a.Value
		}
	}
	return ""
}

// rowDecoder walks <sheetData> of a worksheet part and yields one <row>
// element at a time.
type rowDecoder struct {
	dec     *xml.Decoder
	sst     []string
	lastRow int
}

func newRowDecoder(r io.Reader, sst []string) *rowDecoder {
	return &rowDecoder{dec: xml.NewDecoder(r), sst: sst}
}

// next returns the next row present in the part. ok is false once the sheet
// data is exhausted.
func (d *rowDecoder) next() (row types.Row, ok bool, err error) {
	for {
		tok, err := d.dec.Token()
		if err == io.EOF {
			return row, false, nil
		}
		if err != nil {
			return row, false, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local != "row" {
				continue
			}
			row, err = d.decodeRow(t)
			if err != nil {
				return row, false, err
			}
			return row, true, nil
		case xml.EndElement:
			if t.Name.Local == "sheetData" {
				return row, false, nil
			}
		}
	}
}

func (d *rowDecoder) decodeRow(start xml.StartElement) (types.Row, error) {
	index := d.lastRow + 1
	if r := attr(start, "r"); r != "" {
		n, err := strconv.Atoi(r)
		if err != nil || n < 1 {
			return types.Row{}, fmt.Errorf("invalid row reference %q", r)
		}
		index = n
	}
	if index <= d.lastRow {
		return types.Row{}, fmt.Errorf("row %d out of order after row %d", index, d.lastRow)
	}
	d.lastRow = index

	row := types.Row{Index: index}
	col := 0
	for {
		tok, err := d.dec.Token()
		if err != nil {
			return row, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local != "c" {
				if err := d.dec.Skip(); err != nil {
					return row, err
				}
				continue
			}
			if ref := attr(t, "r"); ref != "" {
				c, _, err := excelize.CellNameToCoordinates(ref)
				if err != nil {
					return row, fmt.Errorf("row %d: %w", index, err)
				}
				col = c - 1
			}
			if col < len(row.Cells) {
				return row, fmt.Errorf("row %d: cell column %d out of order", index, col+1)
			}
			cell, err := d.decodeCell(t)
			if err != nil {
				return row, fmt.Errorf("row %d: %w", index, err)
			}
			for len(row.Cells) < col {
				row.Cells = append(row.Cells, types.Cell{})
			}
			row.Cells = append(row.Cells, cell)
			col++
		case xml.EndElement:
			if t.Name.Local == "row" {
				return row, nil
			}
		}
	}
}

func (d *rowDecoder) decodeCell(start xml.StartElement) (types.Cell, error) {
	var cell types.Cell
	if s := attr(start, "s"); s != "" {
		style, err := strconv.Atoi(s)
		if err != nil {
			return cell, fmt.Errorf("invalid style index %q", s)
		}
		cell.Style = style
	}
	typ := attr(start, "t")

	var value string
	var hasValue bool
	for {
		tok, err := d.dec.Token()
		if err != nil {
			return cell, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "v":
				if err := d.dec.DecodeElement(&value, &t); err != nil {
					return cell, err
				}
				hasValue = true
			case "is":
				var is richText
				if err := d.dec.DecodeElement(&is, &t); err != nil {
					return cell, err
				}
				value, hasValue = is.String(), true
			default:
				// <f> formulas are dropped; the cached <v> is kept.
				if err := d.dec.Skip(); err != nil {
					return cell, err
				}
			}
		case xml.EndElement:
			if t.Name.Local == "c" {
				if !hasValue {
					return cell, nil
				}
				return d.typed(cell, typ, value)
			}
		}
	}
}

func (d *rowDecoder) typed(cell types.Cell, typ, value string) (types.Cell, error) {
	cell.Value = value
	switch typ {
	case "s":
		idx, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || idx < 0 || idx >= len(d.sst) {
			return cell, fmt.Errorf("shared string index %q out of range", value)
		}
		cell.Kind, cell.Value = types.CellString, d.sst[idx]
	case "str", "inlineStr", "d":
		cell.Kind = types.CellString
	case "b":
		cell.Kind = types.CellBool
	case "e":
		cell.Kind = types.CellError
	case "", "n":
		if strings.TrimSpace(value) == "" {
			cell.Kind, cell.Value = types.CellEmpty, ""
			return cell, nil
		}
		cell.Kind = types.CellNumber
	default:
		return cell, fmt.Errorf("unknown cell type %q", typ)
	}
	return cell, nil
}

// CellText is the display text used for headers, grouping and naming.
func CellText(c types.Cell) string {
	switch c.Kind {
	case types.CellEmpty:
		return ""
	case types.CellBool:
		if c.Value == "1" || strings.EqualFold(c.Value, "true") {
			return "TRUE"
		}
		return "FALSE"
	default:
		return strings.TrimSpace(c.Value)
	}
}
