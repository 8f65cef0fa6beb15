package extraction

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watch reloads the dictionary at path into store whenever the file is
// written or replaced. It blocks until ctx is done. A file that fails to
// parse is logged and the previous dictionary stays active.
func Watch(ctx context.Context, path string, store *Store, logger zerolog.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create dictionary watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory so atomic renames by editors and config tooling
	// are seen.
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve dictionary path: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			d, err := LoadDictionary(abs)
			if err != nil {
				logger.Error().Err(err).Str("file", abs).Msg("dictionary reload failed, keeping previous")
				continue
			}
			store.Swap(d)
			logger.Info().Str("file", abs).
				Int("icd", d.ICD.Len()).
				Int("labs", d.Labs.Len()).
				Msg("dictionary reloaded")
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Error().Err(err).Msg("dictionary watcher error")
		}
	}
}
