package artifact

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
)

// Local writes checkpoints under a root directory as
// <root>/<run-id>/epoch-<n>.json.
type Local struct {
	root string
}

func NewLocal(root string) *Local {
	return &Local{root: root}
}

func (l *Local) path(runID string, epoch int) string {
	return filepath.Join(l.root, runID, fmt.Sprintf("epoch-%d.json", epoch))
}

func (l *Local) Save(_ context.Context, cp Checkpoint) (string, error) {
	if cp.SavedAt.IsZero() {
		cp.SavedAt = time.Now().UTC()
	}
	p := l.path(cp.RunID, cp.Epoch)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", errors.Wrap(err, "create checkpoint directory")
	}
	b, err := json.Marshal(cp)
	if err != nil {
		return "", errors.Wrap(err, "encode checkpoint")
	}
	// Write-then-rename so a crash never leaves a torn checkpoint behind.
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return "", errors.Wrap(err, "write checkpoint")
	}
	if err := os.Rename(tmp, p); err != nil {
		return "", errors.Wrap(err, "commit checkpoint")
	}
	return "file://" + p, nil
}

func (l *Local) Load(_ context.Context, runID string, epoch int) (Checkpoint, error) {
	var cp Checkpoint
	b, err := os.ReadFile(l.path(runID, epoch))
	if err != nil {
		return cp, errors.Wrap(err, "read checkpoint")
	}
	if err := json.Unmarshal(b, &cp); err != nil {
		return cp, errors.Wrap(err, "decode checkpoint")
	}
	return cp, nil
}
