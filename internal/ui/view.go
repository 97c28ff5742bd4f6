package ui

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/nconklindev/sheetsplit/internal/types"
)

func (m Model) View() string {
	switch m.state {
	case stateFilePicker:
		return m.viewFilePicker()
	case stateLoading:
		return BoxStyle.Render(TitleStyle.Render("Reading workbook...") + "\n\n" + filepath.Base(m.selectedFile))
	case stateSheetSelection:
		return m.viewSheetSelection()
	case stateModeSelection:
		return m.viewChoices("How should the sheets be split?", modeLabels(), "enter: choose • esc: back")
	case stateRowsInput:
		return m.viewRowsInput()
	case stateColumnSelection:
		return m.viewColumnSelection()
	case stateGroupColumn:
		return m.viewChoices("Group rows by which column?", m.headers, "enter: choose • esc: back")
	case stateNaming:
		return m.viewChoices("How should the files be named?", namingLabels(), "enter: start split • esc: back")
	case stateNamingColumn:
		return m.viewChoices("Name each file after which column?", m.headers, "enter: start split • esc: back")
	case stateProcessing:
		return m.viewProcessing()
	case stateComplete:
		return m.viewComplete()
	case stateCancelled:
		return m.viewCancelled()
	case stateError:
		return m.viewError()
	}
	return ""
}

func modeLabels() []string {
	labels := make([]string, len(modeChoices))
	for i, c := range modeChoices {
		labels[i] = c.label
	}
	return labels
}

func namingLabels() []string {
	labels := make([]string, len(namingChoices))
	for i, c := range namingChoices {
		labels[i] = c.label
	}
	return labels
}

func (m Model) header(title string) string {
	var s strings.Builder
	s.WriteString(TitleStyle.Render(title))
	s.WriteString("\n")
	s.WriteString(SubtitleStyle.Render(fmt.Sprintf("File: %s", filepath.Base(m.selectedFile))))
	s.WriteString("\n\n")
	return s.String()
}

func (m Model) footer(help string) string {
	var s strings.Builder
	if m.notice != "" {
		s.WriteString("\n")
		s.WriteString(WarnStyle.Render(m.notice))
	}
	s.WriteString("\n")
	s.WriteString(HelpStyle.Render(help))
	return s.String()
}

func (m Model) viewFilePicker() string {
	var s strings.Builder

	s.WriteString(TitleStyle.Render("sheetsplit - Excel Splitter"))
	s.WriteString("\n")
	s.WriteString(SubtitleStyle.Render("Select an .xlsx workbook to split"))
	s.WriteString("\n\n")
	s.WriteString(m.filepicker.View())
	s.WriteString("\n\n")
	s.WriteString(HelpStyle.Render("Press q to quit"))

	return s.String()
}

func (m Model) viewSheetSelection() string {
	var s strings.Builder
	s.WriteString(m.header("Select Sheets to Split"))

	for i, sheet := range m.sheets {
		cursor := " "
		if m.cursor == i {
			cursor = ">"
		}
		checked := " "
		if m.sheetSel[i] {
			checked = "✓"
		}
		line := fmt.Sprintf("%s [%s] %s", cursor, checked, sheet.Name)
		detail := fmt.Sprintf("  %s rows", humanize.Comma(int64(sheet.DataRows)))
		if len(sheet.Headers) == 0 {
			detail = "  empty"
		}

		switch {
		case m.cursor == i:
			line = SelectedStyle.Render(line)
		case m.sheetSel[i]:
			line = CheckedStyle.Render(line)
		default:
			line = UnselectedStyle.Render(line)
		}
		s.WriteString(line + DimStyle.Render(detail))
		s.WriteString("\n")
	}

	s.WriteString(m.footer("↑/↓: navigate • space: toggle • a: select all • enter: continue • q: quit"))
	return BoxStyle.Render(s.String())
}

func (m Model) viewChoices(title string, labels []string, help string) string {
	var s strings.Builder
	s.WriteString(m.header(title))

	if len(labels) == 0 {
		s.WriteString(ErrorStyle.Render("The selected sheet has no headers"))
		s.WriteString("\n")
	}
	for i, label := range labels {
		if m.cursor == i {
			s.WriteString(SelectedStyle.Render("> " + label))
		} else {
			s.WriteString(UnselectedStyle.Render("  " + label))
		}
		s.WriteString("\n")
	}

	s.WriteString(m.footer("↑/↓: navigate • " + help))
	return BoxStyle.Render(s.String())
}

func (m Model) viewRowsInput() string {
	var s strings.Builder
	s.WriteString(m.header("Rows per File"))
	s.WriteString("Each output file gets this many data rows plus the header row.\n\n")
	s.WriteString(m.rowsInput.View())
	s.WriteString("\n")
	s.WriteString(m.footer("enter: continue • esc: back"))
	return BoxStyle.Render(s.String())
}

func (m Model) viewColumnSelection() string {
	var s strings.Builder
	s.WriteString(m.header("Select Columns to Keep"))

	for i, h := range m.headers {
		cursor := " "
		if m.cursor == i {
			cursor = ">"
		}
		checked := " "
		if m.colSel[i] {
			checked = "✓"
		}
		line := fmt.Sprintf("%s [%s] %s", cursor, checked, h)
		switch {
		case m.cursor == i:
			line = SelectedStyle.Render(line)
		case m.colSel[i]:
			line = CheckedStyle.Render(line)
		}
		s.WriteString(line)
		s.WriteString("\n")
	}

	s.WriteString(m.footer("↑/↓: navigate • space: toggle • a: select all • enter: continue • esc: back"))
	return BoxStyle.Render(s.String())
}

func (m Model) viewProcessing() string {
	var s strings.Builder

	s.WriteString(TitleStyle.Render("Splitting..."))
	s.WriteString("\n\n")
	stage := string(m.event.Stage)
	if stage == "" {
		stage = "starting"
	}
	s.WriteString(fmt.Sprintf("%s  %s", SelectedStyle.Render(stage), DimStyle.Render(m.event.Message)))
	s.WriteString("\n\n")
	s.WriteString(m.progress.View())
	s.WriteString(m.footer("esc: cancel"))

	return BoxStyle.Render(s.String())
}

func (m Model) viewComplete() string {
	var s strings.Builder

	s.WriteString(TitleStyle.Render("✓ Split Complete!"))
	s.WriteString("\n\n")

	// Truncate paths if they're too long
	maxPathLen := m.width - 20
	if maxPathLen < 30 {
		maxPathLen = 30
	}
	s.WriteString(fmt.Sprintf("Input:   %s\n", truncatePath(m.selectedFile, maxPathLen)))
	s.WriteString(SuccessStyle.Render(fmt.Sprintf("Archive: %s\n", truncatePath(m.archivePath, maxPathLen))))
	s.WriteString("\n")

	if r := m.result; r != nil {
		s.WriteString(fmt.Sprintf("Files: %d  Total: %s  Archive: %s\n\n",
			r.FileCount, humanize.Bytes(uint64(r.TotalSize)), humanize.Bytes(uint64(r.ArchiveSize))))
		s.WriteString(fileList(r.Files, max(m.height-18, 5)))
	}
	s.WriteString("\n")
	s.WriteString(HelpStyle.Render("Press enter to exit"))

	return BoxStyle.Render(s.String())
}

func fileList(files []types.FileEntry, limit int) string {
	var s strings.Builder
	for i, f := range files {
		if i == limit {
			s.WriteString(DimStyle.Render(fmt.Sprintf("  ... and %d more\n", len(files)-limit)))
			break
		}
		s.WriteString(fmt.Sprintf("  %-36s %8s rows  %s\n", f.Name, humanize.Comma(int64(f.Rows)), DimStyle.Render(humanize.Bytes(uint64(f.Size)))))
	}
	return s.String()
}

func truncatePath(p string, n int) string {
	if len(p) > n {
		return "..." + p[len(p)-n+3:]
	}
	return p
}

func (m Model) viewCancelled() string {
	var s strings.Builder

	s.WriteString(WarnStyle.Render("Split cancelled"))
	s.WriteString("\n\n")
	s.WriteString("No files were kept.")
	s.WriteString("\n\n")
	s.WriteString(HelpStyle.Render("r: run again • enter: exit"))

	return BoxStyle.Render(s.String())
}

func (m Model) viewError() string {
	var s strings.Builder

	s.WriteString(ErrorStyle.Render("✗ Error"))
	s.WriteString("\n\n")
	if m.err != nil {
		s.WriteString(m.err.Error())
	}
	s.WriteString("\n\n")
	help := "Press enter to exit"
	if m.taskID != "" && m.config.Mode != "" {
		help = "r: retry • enter: exit"
	}
	s.WriteString(HelpStyle.Render(help))

	return BoxStyle.Render(s.String())
}
