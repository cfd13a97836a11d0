package config

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
)

const pollInterval = 30 * time.Second

// StartWatcher reloads the config when the file changes and hands the new
// generation to onChange. Falls back to polling when fsnotify is unavailable
// (e.g. the file does not exist yet at startup).
func (s *Store) StartWatcher(ctx context.Context, onChange func(*Generation)) {
	watcher, err := fsnotify.NewWatcher()
	usePolling := false

	if err != nil {
		log.Printf("Config Watcher: fsnotify failed (%v), falling back to polling", err)
		usePolling = true
	} else {
		if err := watcher.Add(s.path); err != nil {
			log.Printf("Config Watcher: failed to watch %s (%v), falling back to polling", s.path, err)
			usePolling = true
			watcher.Close()
		}
	}

	go func() {
		if usePolling {
			s.pollLoop(ctx, onChange)
			return
		}
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&fsnotify.Write == fsnotify.Write || event.Op&fsnotify.Create == fsnotify.Create {
					// Brief debounce; editors often write twice.
					time.Sleep(100 * time.Millisecond)
					s.reloadAndNotify(onChange)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("Config Watcher error: %v", err)
			}
		}
	}()
}

func (s *Store) pollLoop(ctx context.Context, onChange func(*Generation)) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	var lastMod time.Time
	if info, err := os.Stat(s.path); err == nil {
		lastMod = info.ModTime()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			info, err := os.Stat(s.path)
			if err != nil {
				continue
			}
			if info.ModTime().After(lastMod) {
				lastMod = info.ModTime()
				s.reloadAndNotify(onChange)
			}
		}
	}
}

func (s *Store) reloadAndNotify(onChange func(*Generation)) {
	gen, err := s.Reload()
	if err != nil {
		log.Printf("[ERROR] Config Watcher: reload failed, keeping generation %d: %v", s.Current().Version, err)
		return
	}
	log.Printf("Config Watcher: loaded generation %d", gen.Version)
	if onChange != nil {
		onChange(gen)
	}
}
