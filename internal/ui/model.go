package ui

import (
	"errors"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/nconklindev/sheetsplit/internal/pipeline"
	"github.com/nconklindev/sheetsplit/internal/types"

	"github.com/charmbracelet/bubbles/filepicker"
	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

type state int

const (
	stateFilePicker state = iota
	stateLoading
	stateSheetSelection
	stateModeSelection
	stateRowsInput
	stateColumnSelection
	stateGroupColumn
	stateNaming
	stateNamingColumn
	stateProcessing
	stateComplete
	stateCancelled
	stateError
)

type modeChoice struct {
	mode  types.SplitMode
	label string
}

var modeChoices = []modeChoice{
	{types.ModeRowCount, "By row count: N data rows per file"},
	{types.ModeColumnSubset, "By column subset: keep only chosen columns"},
	{types.ModeGroupColumn, "By group column: one file per distinct value"},
}

type namingChoice struct {
	rule  types.NamingRule
	label string
}

var namingChoices = []namingChoice{
	{types.NamingSequential, "Sequential: Sheet1_001, Sheet1_002"},
	{types.NamingTimestamp, "Timestamp: Sheet1_20250101T120000Z"},
	{types.NamingSourceName, "Source name: orders_001, orders_002"},
	{types.NamingGroupValue, "Group value: Sheet1_North, Sheet1_South"},
}

type Model struct {
	manager *pipeline.Manager
	log     *slog.Logger

	state        state
	filepicker   filepicker.Model
	selectedFile string
	taskID       string
	sheets       []types.SheetInfo
	sheetSel     map[int]bool
	headers      []string
	cursor       int

	mode         types.SplitMode
	rowsInput    textinput.Model
	colSel       map[int]bool
	groupColumn  string
	naming       types.NamingRule
	namingColumn string
	config       types.SplitConfig

	progress   progress.Model
	event      pipeline.Event
	events     <-chan pipeline.Event
	stopEvents func()
	notice     string

	result      *types.TaskResult
	archivePath string
	err         error
	width       int
	height      int
}

type fileLoadedMsg struct {
	snap pipeline.Snapshot
	err  error
}

type runStartedMsg struct {
	events <-chan pipeline.Event
	stop   func()
	err    error
}

type eventMsg pipeline.Event

type runEndedMsg struct{}

type archiveSavedMsg struct {
	path   string
	result *types.TaskResult
	err    error
}

func InitialModel(manager *pipeline.Manager, log *slog.Logger) Model {
	fp := filepicker.New()
	fp.AllowedTypes = []string{".xlsx", ".xlsm", ".xltx", ".xltm"}
	fp.CurrentDirectory, _ = os.Getwd()

	fp.Styles.Cursor = lipgloss.NewStyle().Foreground(lipgloss.Color(accentColor))
	fp.Styles.Symlink = lipgloss.NewStyle().Foreground(lipgloss.Color(highlightColor))
	fp.Styles.Directory = lipgloss.NewStyle().Foreground(lipgloss.Color(highlightColor))
	fp.Styles.File = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFFFF"))
	fp.Styles.Permission = lipgloss.NewStyle().Foreground(lipgloss.Color(mutedColor))
	fp.Styles.Selected = lipgloss.NewStyle().Foreground(lipgloss.Color(accentColor)).Bold(true)
	fp.Styles.FileSize = lipgloss.NewStyle().Foreground(lipgloss.Color(mutedColor))

	rows := textinput.New()
	rows.Placeholder = "1000"
	rows.CharLimit = 9
	rows.Width = 12
	rows.Validate = func(s string) error {
		if s == "" {
			return nil
		}
		_, err := strconv.Atoi(s)
		return err
	}

	return Model{
		manager:    manager,
		log:        log,
		state:      stateFilePicker,
		filepicker: fp,
		sheetSel:   make(map[int]bool),
		colSel:     make(map[int]bool),
		rowsInput:  rows,
		progress:   progress.New(progress.WithGradient(accentColor, highlightColor)),
	}
}

func (m Model) Init() tea.Cmd {
	return m.filepicker.Init()
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

		// Leave room for the title, subtitle and help text.
		height := msg.Height - 14
		if height < 5 {
			height = 5
		}
		m.filepicker.SetHeight(height)
		m.progress.Width = min(max(msg.Width-16, 20), 80)
		return m, nil

	case tea.KeyMsg:
		if msg.String() == "ctrl+c" {
			return m.quit()
		}
		if m.state != stateFilePicker {
			return m.handleKey(msg)
		}
		if msg.String() == "q" {
			return m.quit()
		}

	case fileLoadedMsg:
		if msg.err != nil {
			m.err = msg.err
			m.state = stateError
			return m, nil
		}
		m.taskID = msg.snap.ID
		m.sheets = msg.snap.Sheets
		m.sheetSel = make(map[int]bool)
		for i, s := range m.sheets {
			m.sheetSel[i] = s.DataRows > 0
		}
		m.cursor = 0
		m.state = stateSheetSelection
		return m, nil

	case runStartedMsg:
		if msg.err != nil {
			m.err = msg.err
			m.state = stateError
			return m, nil
		}
		m.events = msg.events
		m.stopEvents = msg.stop
		return m, tea.Batch(waitForEvent(m.events), m.progress.Init())

	case eventMsg:
		m.event = pipeline.Event(msg)
		cmd := m.progress.SetPercent(float64(msg.Percent) / 100)
		return m, tea.Batch(cmd, waitForEvent(m.events))

	case runEndedMsg:
		return m.finishRun()

	case archiveSavedMsg:
		if msg.err != nil {
			m.err = msg.err
			m.state = stateError
			return m, nil
		}
		m.result = msg.result
		m.archivePath = msg.path
		m.state = stateComplete
		return m, nil

	case progress.FrameMsg:
		progressModel, cmd := m.progress.Update(msg)
		m.progress = progressModel.(progress.Model)
		return m, cmd
	}

	if m.state == stateFilePicker {
		var cmd tea.Cmd
		m.filepicker, cmd = m.filepicker.Update(msg)

		if didSelect, path := m.filepicker.DidSelectFile(msg); didSelect {
			m.selectedFile = path
			m.state = stateLoading
			return m, uploadFile(m.manager, path)
		}
		return m, cmd
	}

	if m.state == stateRowsInput {
		var cmd tea.Cmd
		m.rowsInput, cmd = m.rowsInput.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m Model) quit() (tea.Model, tea.Cmd) {
	if m.state == stateProcessing && m.taskID != "" {
		_ = m.manager.Cancel(m.taskID)
	}
	return m, tea.Quit
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	key := msg.String()
	switch m.state {
	case stateSheetSelection:
		switch key {
		case "q":
			return m.quit()
		case " ":
			m.sheetSel[m.cursor] = !m.sheetSel[m.cursor]
		case "a":
			for i := range m.sheets {
				m.sheetSel[i] = true
			}
		case "enter":
			if len(m.selectedSheets()) == 0 {
				m.notice = "Select at least one sheet"
				return m, nil
			}
			m.headers = m.firstSelectedHeaders()
			m.next(stateModeSelection)
			return m, nil
		default:
			m.moveCursor(key, len(m.sheets))
		}

	case stateModeSelection:
		switch key {
		case "esc":
			m.next(stateSheetSelection)
		case "enter":
			m.mode = modeChoices[m.cursor].mode
			switch m.mode {
			case types.ModeRowCount:
				m.next(stateRowsInput)
				cmd := m.rowsInput.Focus()
				return m, cmd
			case types.ModeColumnSubset:
				m.colSel = make(map[int]bool)
				m.next(stateColumnSelection)
			default:
				m.next(stateGroupColumn)
			}
		default:
			m.moveCursor(key, len(modeChoices))
		}

	case stateRowsInput:
		switch key {
		case "esc":
			m.rowsInput.Blur()
			m.next(stateModeSelection)
		case "enter":
			n, err := strconv.Atoi(strings.TrimSpace(m.rowsInput.Value()))
			if err != nil || n <= 0 {
				m.notice = "Rows per file must be a positive number"
				return m, nil
			}
			m.rowsInput.Blur()
			m.next(stateNaming)
		default:
			var cmd tea.Cmd
			m.rowsInput, cmd = m.rowsInput.Update(msg)
			return m, cmd
		}

	case stateColumnSelection:
		switch key {
		case "esc":
			m.next(stateModeSelection)
		case " ":
			m.colSel[m.cursor] = !m.colSel[m.cursor]
		case "a":
			for i := range m.headers {
				m.colSel[i] = true
			}
		case "enter":
			if len(m.selectedColumns()) == 0 {
				m.notice = "Select at least one column"
				return m, nil
			}
			m.next(stateNaming)
		default:
			m.moveCursor(key, len(m.headers))
		}

	case stateGroupColumn:
		switch key {
		case "esc":
			m.next(stateModeSelection)
		case "enter":
			if len(m.headers) == 0 {
				return m, nil
			}
			m.groupColumn = m.headers[m.cursor]
			m.next(stateNaming)
		default:
			m.moveCursor(key, len(m.headers))
		}

	case stateNaming:
		switch key {
		case "esc":
			m.next(stateModeSelection)
		case "enter":
			m.naming = namingChoices[m.cursor].rule
			m.namingColumn = ""
			if m.naming != types.NamingGroupValue {
				return m.startRun(false)
			}
			if m.mode == types.ModeGroupColumn {
				m.namingColumn = m.groupColumn
				return m.startRun(false)
			}
			m.next(stateNamingColumn)
		default:
			m.moveCursor(key, len(namingChoices))
		}

	case stateNamingColumn:
		switch key {
		case "esc":
			m.next(stateNaming)
		case "enter":
			if len(m.headers) == 0 {
				return m, nil
			}
			m.namingColumn = m.headers[m.cursor]
			return m.startRun(false)
		default:
			m.moveCursor(key, len(m.headers))
		}

	case stateProcessing:
		if key == "esc" {
			if err := m.manager.Cancel(m.taskID); err != nil {
				m.notice = "Too late to cancel, the archive is being written"
			} else {
				m.notice = "Cancelling..."
			}
		}

	case stateCancelled, stateError:
		switch key {
		case "r":
			if m.taskID != "" && m.config.Mode != "" {
				return m.startRun(true)
			}
		case "q", "enter", "esc":
			return m.quit()
		}

	case stateComplete:
		switch key {
		case "q", "enter", "esc":
			return m.quit()
		}
	}
	return m, nil
}

func (m *Model) next(s state) {
	m.state = s
	m.cursor = 0
	m.notice = ""
}

func (m *Model) moveCursor(key string, n int) {
	switch key {
	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		}
	case "down", "j":
		if m.cursor < n-1 {
			m.cursor++
		}
	}
}

func (m Model) selectedSheets() []string {
	var names []string
	for i, s := range m.sheets {
		if m.sheetSel[i] {
			names = append(names, s.Name)
		}
	}
	return names
}

func (m Model) firstSelectedHeaders() []string {
	for i, s := range m.sheets {
		if m.sheetSel[i] {
			var headers []string
			for _, h := range s.Headers {
				if h != "" {
					headers = append(headers, h)
				}
			}
			return headers
		}
	}
	return nil
}

func (m Model) selectedColumns() []string {
	var cols []string
	for i, h := range m.headers {
		if m.colSel[i] {
			cols = append(cols, h)
		}
	}
	return cols
}

// splitConfig assembles the request from the choices made so far.
func (m Model) splitConfig() types.SplitConfig {
	cfg := types.SplitConfig{
		Sheets:       m.selectedSheets(),
		Mode:         m.mode,
		NamingRule:   m.naming,
		NamingColumn: m.namingColumn,
	}
	switch m.mode {
	case types.ModeRowCount:
		cfg.RowsPerFile, _ = strconv.Atoi(strings.TrimSpace(m.rowsInput.Value()))
	case types.ModeColumnSubset:
		cfg.Columns = m.selectedColumns()
	case types.ModeGroupColumn:
		cfg.GroupColumn = m.groupColumn
	}
	return cfg
}

func (m Model) startRun(restart bool) (tea.Model, tea.Cmd) {
	if !restart {
		m.config = m.splitConfig()
	}
	m.next(stateProcessing)
	m.event = pipeline.Event{}
	m.err = nil
	m.progress.SetPercent(0)
	return m, startSplit(m.manager, m.taskID, m.config, restart)
}

func (m Model) finishRun() (tea.Model, tea.Cmd) {
	if m.stopEvents != nil {
		m.stopEvents()
		m.stopEvents = nil
	}
	task, err := m.manager.Get(m.taskID)
	if err != nil {
		m.err = err
		m.state = stateError
		return m, nil
	}
	snap := task.Snapshot()
	m.log.Debug("Run ended", "task_id", m.taskID, "state", snap.State, "reason", snap.Reason)
	switch snap.State {
	case pipeline.StateDone:
		return m, saveArchive(m.manager, m.taskID, m.selectedFile)
	case pipeline.StateCancelled:
		m.state = stateCancelled
	default:
		m.err = errors.New(snap.Reason)
		m.state = stateError
	}
	return m, nil
}
