package registry

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/abutsfit/cncbridge/internal/log"
)

const debounceDuration = 200 * time.Millisecond

// Watch reloads the registry when the file is edited externally and notifies
// listeners about changed uids. The directory is watched so editors that
// replace the file by rename are handled. Watch blocks until ctx is done.
func (s *Store) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch registry dir: %w", err)
	}
	s.logger.Info().
		Str(log.FieldEvent, "registry.watcher_started").
		Str(log.FieldPath, s.path).
		Msg("watching machine registry for changes")

	base := filepath.Base(s.path)
	reload := make(chan struct{}, 1)
	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Str(log.FieldEvent, "registry.watcher_stopped").Msg("registry watcher stopped")
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) && !event.Has(fsnotify.Remove) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(debounceDuration, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})

		case <-reload:
			changed, err := s.Reload()
			if err != nil {
				s.logger.Error().Err(err).
					Str(log.FieldEvent, "registry.reload_failed").
					Msg("registry reload failed, keeping previous entries")
				continue
			}
			if len(changed) > 0 {
				s.logger.Info().
					Str(log.FieldEvent, "registry.reloaded").
					Strs("changed", changed).
					Msg("machine registry reloaded")
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Error().Err(err).Str(log.FieldEvent, "registry.watcher_error").Msg("registry watcher error")
		}
	}
}
