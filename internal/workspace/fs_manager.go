package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// fsWorkspaceManager manages per-request workspace directories on local disk.
type fsWorkspaceManager struct {
	baseDir string
	now     func() time.Time
	readDir func(string) ([]os.DirEntry, error)

	mu   sync.Mutex
	live map[string]Workspace
}

var _ Manager = (*fsWorkspaceManager)(nil)

// NewFSManager creates a filesystem-backed workspace manager rooted at baseDir.
func NewFSManager(baseDir string) (*fsWorkspaceManager, error) {
	trimmed := strings.TrimSpace(baseDir)
	if trimmed == "" {
		return nil, fmt.Errorf("workspace base directory is empty")
	}

	abs, err := filepath.Abs(filepath.Clean(trimmed))
	if err != nil {
		return nil, fmt.Errorf("resolve workspace base directory: %w", err)
	}

	return &fsWorkspaceManager{
		baseDir: abs,
		now:     time.Now,
		readDir: os.ReadDir,
		live:    make(map[string]Workspace),
	}, nil
}

// Allocate creates (or returns the already-allocated) workspace for requestID.
func (m *fsWorkspaceManager) Allocate(ctx context.Context, requestID string) (Workspace, error) {
	if err := ctx.Err(); err != nil {
		return Workspace{}, err
	}

	path, err := m.workspacePath(requestID)
	if err != nil {
		return Workspace{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if ws, ok := m.live[requestID]; ok {
		return ws, nil
	}

	if err := os.MkdirAll(m.baseDir, 0o755); err != nil {
		return Workspace{}, fmt.Errorf("create workspace base directory: %w", err)
	}
	// A leftover directory with this id belongs to a dead process; refusing
	// it keeps stale files out of a new request.
	if err := os.Mkdir(path, 0o755); err != nil {
		return Workspace{}, fmt.Errorf("create workspace for request %q: %w", requestID, err)
	}

	ws := Workspace{RequestID: requestID, Dir: path}
	m.live[requestID] = ws
	return ws, nil
}

// Wipe removes every entry inside the workspace root.
func (m *fsWorkspaceManager) Wipe(ctx context.Context, ws Workspace) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := m.owned(ws); err != nil {
		return err
	}

	entries, err := os.ReadDir(ws.Dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read workspace %q: %w", ws.RequestID, err)
	}

	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(ws.Dir, entry.Name())); err != nil {
			return fmt.Errorf("wipe %q in workspace %q: %w", entry.Name(), ws.RequestID, err)
		}
	}
	return nil
}

// Destroy removes the workspace root. It runs even when ctx is already
// done, since it sits on every exit path including cancellation.
func (m *fsWorkspaceManager) Destroy(_ context.Context, ws Workspace) error {
	if err := m.owned(ws); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.live, ws.RequestID)
	m.mu.Unlock()

	if err := os.RemoveAll(ws.Dir); err != nil {
		return fmt.Errorf("destroy workspace %q: %w", ws.RequestID, err)
	}
	return nil
}

// Files lists regular files at the top level of the workspace.
func (m *fsWorkspaceManager) Files(ws Workspace) ([]Entry, error) {
	if err := m.owned(ws); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(ws.Dir)
	if err != nil {
		return nil, fmt.Errorf("read workspace %q: %w", ws.RequestID, err)
	}

	out := make([]Entry, 0, len(entries))
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			// Raced with a tool renaming its .part file; skip it.
			continue
		}
		out = append(out, Entry{
			Path:    filepath.Join(ws.Dir, entry.Name()),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModTime.Before(out[j].ModTime) })
	return out, nil
}

// Sweep removes workspace directories older than olderThan based on
// directory modification time.
func (m *fsWorkspaceManager) Sweep(ctx context.Context, olderThan time.Duration) (SweepReport, error) {
	if err := ctx.Err(); err != nil {
		return SweepReport{}, err
	}
	if olderThan <= 0 {
		return SweepReport{}, fmt.Errorf("olderThan must be positive")
	}

	entries, err := m.readDir(m.baseDir)
	if os.IsNotExist(err) {
		return SweepReport{}, nil
	}
	if err != nil {
		return SweepReport{}, fmt.Errorf("read workspace base directory: %w", err)
	}

	cutoff := m.now().Add(-olderThan)
	report := SweepReport{}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if !entry.IsDir() {
			continue
		}

		m.mu.Lock()
		_, isLive := m.live[entry.Name()]
		m.mu.Unlock()
		if isLive {
			report.SkippedLive++
			continue
		}

		info, err := entry.Info()
		if os.IsNotExist(err) {
			// Destroyed since the listing.
			continue
		}
		if err != nil {
			return report, fmt.Errorf("read workspace entry info %q: %w", entry.Name(), err)
		}
		if info.ModTime().After(cutoff) {
			continue
		}

		if err := os.RemoveAll(filepath.Join(m.baseDir, entry.Name())); err != nil {
			return report, fmt.Errorf("remove workspace %q: %w", entry.Name(), err)
		}
		report.DeletedDirs++
	}

	return report, nil
}

// Live reports how many workspaces are allocated and not yet destroyed.
func (m *fsWorkspaceManager) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}

func (m *fsWorkspaceManager) workspacePath(requestID string) (string, error) {
	if err := validateRequestID(requestID); err != nil {
		return "", err
	}
	return filepath.Join(m.baseDir, requestID), nil
}

// owned guards Wipe/Destroy against a Workspace value that points outside
// the base directory.
func (m *fsWorkspaceManager) owned(ws Workspace) error {
	want, err := m.workspacePath(ws.RequestID)
	if err != nil {
		return err
	}
	if filepath.Clean(ws.Dir) != want {
		return fmt.Errorf("workspace %q is not managed under %s", ws.RequestID, m.baseDir)
	}
	return nil
}

func validateRequestID(requestID string) error {
	trimmed := strings.TrimSpace(requestID)
	if trimmed == "" {
		return fmt.Errorf("request id is empty")
	}
	if trimmed != requestID {
		return fmt.Errorf("request id %q has surrounding whitespace", requestID)
	}
	if trimmed == "." || trimmed == ".." {
		return fmt.Errorf("request id %q is invalid", requestID)
	}
	if strings.ContainsAny(trimmed, `/\`) {
		return fmt.Errorf("request id %q must not contain path separators", requestID)
	}
	if filepath.Clean(trimmed) != trimmed {
		return fmt.Errorf("request id %q is invalid", requestID)
	}
	return nil
}
