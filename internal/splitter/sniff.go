package splitter

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

const (
	mimeXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	mimeZip  = "application/zip"
	mimeOLE  = "application/x-ole-storage"
)

// spreadsheetExts are the extensions the UI layer accepts for upload.
var spreadsheetExts = map[string]bool{
	".xlsx": true,
	".xlsm": true,
	".xltx": true,
	".xltm": true,
	".xls":  true,
}

// Format is the result of sniffing a file's container signature.
type Format struct {
	MIME string
	// Workbook is true when the signature already identified a spreadsheet
	// package; a plain zip still has to prove it contains a workbook part.
	Workbook bool
}

// Sniff inspects the leading bytes of the file at path and rejects anything
// that is not a zip based spreadsheet package. The extension is never
// consulted.
func Sniff(path string) (Format, error) {
	mtype, err := mimetype.DetectFile(path)
	if err != nil {
		return Format{}, newStageError("read", "", ErrIO, err)
	}

	switch {
	case mtype.Is(mimeXLSX):
		return Format{MIME: mtype.String(), Workbook: true}, nil
	case mtype.Is(mimeZip), isZipFamily(mtype):
		return Format{MIME: mtype.String()}, nil
	case isOLE(mtype):
		return Format{}, newStageError("read", "", ErrUnsupportedFormat,
			fmt.Errorf("legacy or encrypted workbook (%s) is not supported, save it as .xlsx", mtype.String()))
	default:
		return Format{}, newStageError("read", "", ErrUnsupportedFormat,
			fmt.Errorf("content type %s is not a spreadsheet", mtype.String()))
	}
}

// AcceptedExtension reports whether the declared file name carries an
// extension the upload form allows.
func AcceptedExtension(name string) bool {
	return spreadsheetExts[strings.ToLower(filepath.Ext(name))]
}

func isZipFamily(mtype *mimetype.MIME) bool {
	for m := mtype; m != nil; m = m.Parent() {
		if m.Is(mimeZip) {
			return !strings.Contains(mtype.String(), "wordprocessingml") &&
				!strings.Contains(mtype.String(), "presentationml")
		}
	}
	return false
}

func isOLE(mtype *mimetype.MIME) bool {
	for m := mtype; m != nil; m = m.Parent() {
		if m.Is(mimeOLE) {
			return true
		}
	}
	return false
}
