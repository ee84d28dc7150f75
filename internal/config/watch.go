package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

const debounceDelay = 500 * time.Millisecond

// Watch reloads the config file at path whenever it changes and passes each
// successfully loaded config to fn. Invalid files are logged and skipped.
// The parent directory is watched so that editors which replace the file
// by rename are handled. Watching stops when ctx is done.
func Watch(ctx context.Context, path string, fn func(*Config)) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolving config path: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating file watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watching config directory: %w", err)
	}

	log.Info().Str("path", abs).Msg("config watcher enabled")

	go func() {
		defer func() { _ = watcher.Close() }()

		var timer *time.Timer
		defer func() {
			if timer != nil {
				timer.Stop()
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != abs {
					continue
				}
				if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
					continue
				}

				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(debounceDelay, func() {
					if ctx.Err() != nil {
						return
					}
					cfg, err := Load(abs)
					if err != nil {
						log.Error().Err(err).Str("path", abs).Msg("config reload failed")
						return
					}
					log.Info().Str("path", abs).Msg("config reloaded")
					fn(cfg)
				})

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Msg("config watcher error")
			}
		}
	}()

	return nil
}
