package bridge

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const sweepInterval = 5 * time.Minute

// sweepLoop periodically removes script files left behind by a crashed
// server. Files are removed by the evaluation that created them, so only
// files older than OrphanMaxAge are candidates.
func (b *Bridge) sweepLoop(ctx context.Context) {
	b.sweep()

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.sweep()
		case <-ctx.Done():
			return
		}
	}
}

func (b *Bridge) sweep() {
	dir := b.opts.ScratchDir
	cleaned, err := CleanupOrphaned(dir, b.opts.OrphanMaxAge)
	if err != nil {
		log.Warn().Err(err).Str("dir", dir).Msg("failed to sweep scratch directory")
		return
	}
	if cleaned > 0 {
		log.Info().Int("count", cleaned).Str("dir", dir).Msg("cleaned orphaned script files")
	}
}

// CleanupOrphaned removes execjs script files in dir whose modification
// time is older than maxAge and returns how many were removed.
func CleanupOrphaned(dir string, maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("listing scratch directory: %w", err)
	}

	cutoff := time.Now().Add(-maxAge)
	var cleaned int
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "execjs") || !strings.HasSuffix(name, ".js") {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}

		path := filepath.Join(dir, name)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.Error().Err(err).Str("path", path).Msg("failed to remove orphaned script")
			continue
		}
		cleaned++
	}
	return cleaned, nil
}
