package ui

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/nconklindev/sheetsplit/internal/pipeline"
	"github.com/nconklindev/sheetsplit/internal/types"
)

func uploadFile(manager *pipeline.Manager, path string) tea.Cmd {
	return func() tea.Msg {
		f, err := os.Open(path)
		if err != nil {
			return fileLoadedMsg{err: err}
		}
		defer f.Close()

		task, err := manager.Upload(context.Background(), f, filepath.Base(path))
		if err != nil {
			return fileLoadedMsg{err: err}
		}
		return fileLoadedMsg{snap: task.Snapshot()}
	}
}

// startSplit starts the run and subscribes to it. A retry goes through
// Restart only when the previous run actually failed or was cancelled.
func startSplit(manager *pipeline.Manager, id string, cfg types.SplitConfig, retry bool) tea.Cmd {
	return func() tea.Msg {
		task, err := manager.Get(id)
		if err != nil {
			return runStartedMsg{err: err}
		}
		if s := task.State(); retry && (s == pipeline.StateFailed || s == pipeline.StateCancelled) {
			err = manager.Restart(id, cfg)
		} else {
			err = manager.Start(id, cfg)
		}
		if err != nil {
			return runStartedMsg{err: err}
		}
		events, stop, err := manager.Subscribe(id)
		return runStartedMsg{events: events, stop: stop, err: err}
	}
}

func waitForEvent(events <-chan pipeline.Event) tea.Cmd {
	return func() tea.Msg {
		if events == nil {
			return nil
		}
		ev, ok := <-events
		if !ok {
			return runEndedMsg{}
		}
		return eventMsg(ev)
	}
}

// saveArchive copies the finished archive next to the source workbook and
// confirms the handoff.
func saveArchive(manager *pipeline.Manager, id, source string) tea.Cmd {
	return func() tea.Msg {
		ctx := context.Background()
		task, err := manager.Get(id)
		if err != nil {
			return archiveSavedMsg{err: err}
		}
		rc, name, err := manager.OpenArchive(ctx, id)
		if err != nil {
			return archiveSavedMsg{err: err}
		}
		defer rc.Close()

		dst := filepath.Join(filepath.Dir(source), name)
		out, err := os.Create(dst)
		if err != nil {
			return archiveSavedMsg{err: err}
		}
		if _, err := io.Copy(out, rc); err != nil {
			out.Close()
			return archiveSavedMsg{err: fmt.Errorf("failed to write %s: %w", dst, err)}
		}
		if err := out.Close(); err != nil {
			return archiveSavedMsg{err: err}
		}
		if err := manager.Confirm(ctx, id); err != nil {
			return archiveSavedMsg{err: err}
		}
		return archiveSavedMsg{path: dst, result: task.Result()}
	}
}
