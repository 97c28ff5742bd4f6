package ui

import (
	"fmt"
	"os"
	"path/filepath"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/nconklindev/sheetsplit/internal/config"
	"github.com/nconklindev/sheetsplit/internal/logging"
	"github.com/nconklindev/sheetsplit/internal/pipeline"
	"github.com/nconklindev/sheetsplit/internal/storage"
)

// Run starts the full screen UI. Logs only go to LOG_FILE so they never
// draw over the screen. Archives are written next to the chosen workbook.
func Run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	log, closeLog, err := logging.Setup(cfg.Log.File, level, true)
	if err != nil {
		return err
	}
	defer closeLog()

	work, err := os.MkdirTemp("", "sheetsplit-tui-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(work)

	archives, err := storage.NewLocal(filepath.Join(work, "archives"))
	if err != nil {
		return err
	}
	manager, err := pipeline.NewManager(pipeline.Options{
		WorkDir:        filepath.Join(work, "tasks"),
		MaxUploadBytes: cfg.Split.MaxUploadBytes,
		ChunkRows:      cfg.Split.ChunkRows,
		ArchivePrefix:  cfg.Archive.Prefix,
		Retention:      pipeline.RetainHandoff,
	}, archives, nil, log)
	if err != nil {
		return err
	}
	defer manager.Shutdown()

	p := tea.NewProgram(InitialModel(manager, log), tea.WithAltScreen(), tea.WithMouseCellMotion())
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("terminal ui: %w", err)
	}
	return nil
}
