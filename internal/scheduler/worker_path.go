package scheduler

import (
	"context"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/liidi/scoutd/internal/common"
)

// ResolveWorkerPath finds the AI worker executable: an explicit config
// override wins outright; otherwise each configured login shell is asked
// to resolve ExecutableName via `which`, since the worker is commonly
// installed through a version manager only the user's login shell sees;
// failing that, the bare executable name is returned and left to the
// child process's own PATH lookup at spawn time.
func ResolveWorkerPath(ctx context.Context, cfg common.WorkerConfig, logger arbor.ILogger) string {
	if cfg.ExecutablePath != "" {
		if _, err := os.Stat(cfg.ExecutablePath); err == nil {
			return cfg.ExecutablePath
		}
		logger.Warn().Str("path", cfg.ExecutablePath).Msg("Configured worker executable path does not exist, falling back to lookup")
	}

	if runtime.GOOS != "windows" {
		for _, shell := range cfg.LoginShells {
			path, ok := whichViaLoginShell(ctx, shell, cfg.ExecutableName)
			if ok {
				return path
			}
		}
	}

	logger.Warn().Str("name", cfg.ExecutableName).Msg("Worker executable not found via login shell lookup, falling back to bare name")
	return cfg.ExecutableName
}

func whichViaLoginShell(ctx context.Context, shell, name string) (string, bool) {
	if _, err := os.Stat(shell); err != nil {
		return "", false
	}

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	cmd := exec.CommandContext(lookupCtx, shell, "-lc", "which "+name)
	output, err := cmd.Output()
	if err != nil {
		return "", false
	}

	path := strings.TrimSpace(string(output))
	if path == "" {
		return "", false
	}

	if _, err := os.Stat(path); err != nil {
		return "", false
	}

	return path, true
}
