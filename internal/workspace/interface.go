package workspace

import (
	"context"
	"time"
)

// Workspace is the private directory of one acquisition request. Two
// requests never share a Dir, and a Dir is never handed to a second
// request.
type Workspace struct {
	RequestID string
	Dir       string
}

// Entry is a regular file found in a workspace.
type Entry struct {
	Path    string
	Size    int64
	ModTime time.Time
}

// SweepReport summarizes a sweep run.
type SweepReport struct {
	DeletedDirs int
	SkippedLive int
}

// Manager governs per-request workspace lifecycle.
type Manager interface {
	// Allocate returns the workspace for requestID, creating it on first
	// use. Repeated calls before Destroy return the same Workspace.
	Allocate(ctx context.Context, requestID string) (Workspace, error)

	// Wipe deletes everything inside the workspace but keeps its root.
	Wipe(ctx context.Context, ws Workspace) error

	// Destroy removes the workspace root recursively. A root that is
	// already gone counts as success.
	Destroy(ctx context.Context, ws Workspace) error

	// Files lists regular files directly inside the workspace, oldest first.
	Files(ws Workspace) ([]Entry, error)

	// Sweep removes orphaned workspaces older than olderThan. Workspaces
	// allocated by this manager and not yet destroyed are left alone.
	Sweep(ctx context.Context, olderThan time.Duration) (SweepReport, error)

	// Live reports how many workspaces are allocated and not yet destroyed.
	Live() int
}
