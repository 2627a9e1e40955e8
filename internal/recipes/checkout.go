package recipes

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"applabd/internal/common/fsutil"
)

// GitCheckout clones recipe repositories into per-recipe local directories
// using the git binary.
type GitCheckout struct {
	log zerolog.Logger
}

// NewGitCheckout returns an exec-based checkout collaborator.
func NewGitCheckout(log zerolog.Logger) *GitCheckout {
	return &GitCheckout{log: log.With().Str("component", "checkout").Logger()}
}

// Checkout makes dir contain repo at ref: clone on first use, fetch and reset
// on subsequent runs. An empty ref leaves the remote default branch.
func (g *GitCheckout) Checkout(ctx context.Context, repoURL, ref, dir string) error {
	if fsutil.PathExists(filepath.Join(dir, ".git")) {
		if err := g.run(ctx, dir, "fetch", "--all", "--prune"); err != nil {
			return err
		}
		if ref != "" {
			if err := g.run(ctx, dir, "checkout", ref); err != nil {
				return err
			}
			// Tracking branches advance with the remote; detached refs do not.
			_ = g.run(ctx, dir, "reset", "--hard", "origin/"+ref)
		}
		return nil
	}
	if err := fsutil.EnsureDir(filepath.Dir(dir)); err != nil {
		return err
	}
	if err := g.run(ctx, "", "clone", repoURL, dir); err != nil {
		return err
	}
	if ref != "" {
		return g.run(ctx, dir, "checkout", ref)
	}
	return nil
}

func (g *GitCheckout) run(ctx context.Context, dir string, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	g.log.Debug().Str("dir", dir).Strs("args", args).Msg("git")
	if err := cmd.Run(); err != nil {
		tail := strings.TrimSpace(stderr.String())
		if len(tail) > 2048 {
			tail = tail[len(tail)-2048:]
		}
		return fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, tail)
	}
	return nil
}
