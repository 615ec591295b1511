package config

import (
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// Watcher reloads the configuration when the config file changes on disk.
// Only a subset of settings is safe to apply at runtime; the reload callback
// receives the freshly loaded config and decides what to pick up.
type Watcher struct {
	loader   *Loader
	watcher  *fsnotify.Watcher
	onReload func(*Config)
	done     chan struct{}
}

// NewWatcher starts watching the loader's config file for changes
func NewWatcher(loader *Loader, onReload func(*Config)) (*Watcher, error) {
	configPath, err := loader.Path()
	if err != nil {
		return nil, err
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	// Watch the directory: editors replace files on save, which drops a
	// watch registered on the file itself.
	if err := fw.Add(filepath.Dir(configPath)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to watch config directory: %w", err)
	}

	w := &Watcher{
		loader:   loader,
		watcher:  fw,
		onReload: onReload,
		done:     make(chan struct{}),
	}

	go w.loop(configPath)

	return w, nil
}

func (w *Watcher) loop(configPath string) {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Name != configPath {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}

			cfg, err := w.loader.Load()
			if err != nil {
				log.Warn().Err(err).Msg("Config reload failed, keeping current config")
				continue
			}
			if err := cfg.Validate(); err != nil {
				log.Warn().Err(err).Msg("Reloaded config is invalid, keeping current config")
				continue
			}

			log.Info().Str("path", configPath).Msg("Config reloaded")
			if w.onReload != nil {
				w.onReload(cfg)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("Config watcher error")

		case <-w.done:
			return
		}
	}
}

// Close stops the watcher
func (w *Watcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}
