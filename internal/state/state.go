// Package state owns the moltbot state directory: the layout, the
// configured-or-not probe, and the gateway token file. The agent CLI writes
// moltbot.json and workspace/; the wrapper only ever creates directories,
// reads the config file's presence, and manages its own token, logs, and
// history files alongside.
package state

import (
	"fmt"
	"os"
	"path/filepath"
)

// Dir is the state directory layout.
type Dir struct {
	Root      string
	Workspace string
}

// New returns the layout rooted at root. An empty workspace defaults to
// <root>/workspace.
func New(root, workspace string) Dir {
	if workspace == "" {
		workspace = filepath.Join(root, "workspace")
	}
	return Dir{Root: root, Workspace: workspace}
}

// ConfigFile returns the agent config path whose presence defines
// "configured".
func (d Dir) ConfigFile() string {
	return filepath.Join(d.Root, "moltbot.json")
}

// TokenFile returns the persisted gateway token path.
func (d Dir) TokenFile() string {
	return filepath.Join(d.Root, "gateway.token")
}

// HistoryFile returns the wrapper's event history database path.
func (d Dir) HistoryFile() string {
	return filepath.Join(d.Root, "molthost.db")
}

// EnsureLayout creates the root and workspace directories.
func (d Dir) EnsureLayout() error {
	if err := os.MkdirAll(d.Root, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	if err := os.MkdirAll(d.Workspace, 0o755); err != nil {
		return fmt.Errorf("create workspace dir: %w", err)
	}
	return nil
}

// IsConfigured reports whether the agent config file exists right now. It
// stats the file on every call and never caches; any error counts as not
// configured so a broken state dir routes the operator back to setup rather
// than proxying into a dead gateway.
func (d Dir) IsConfigured() bool {
	_, err := os.Stat(d.ConfigFile())
	return err == nil
}

// Reset deletes the agent config file, returning the deployment to the
// unconfigured state. Missing file is not an error. The caller stops the
// gateway first.
func (d Dir) Reset() error {
	if err := os.Remove(d.ConfigFile()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove agent config: %w", err)
	}
	return nil
}
