package agent

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// Workspaces allocates isolated scratch directories, one per job, under
// <base>/<agentID>/<uuid>. A workspace is owned by exactly one job and must
// be removed on every exit path.
type Workspaces struct {
	base string
}

// NewWorkspaces constructs an allocator rooted at base.
func NewWorkspaces(base string) *Workspaces {
	return &Workspaces{base: base}
}

// Allocate creates the directory and returns its absolute path together with
// a cleanup func. The cleanup never fails the job: removal errors are logged
// and the orphan is left for the OS tmp reaper.
func (w *Workspaces) Allocate(agentID string) (string, func(), error) {
	dir := filepath.Join(w.base, agentID, uuid.New().String())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", nil, fmt.Errorf("op=workspace.Allocate: %w", err)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		_ = os.RemoveAll(dir)
		return "", nil, fmt.Errorf("op=workspace.Allocate: %w", err)
	}
	cleanup := func() {
		if err := os.RemoveAll(abs); err != nil {
			slog.Warn("workspace cleanup failed",
				slog.String("path", abs),
				slog.Any("error", err))
		}
	}
	return abs, cleanup, nil
}
