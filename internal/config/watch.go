package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// KeyWatcher monitors the assistant API-key file and invokes the supplied
// callback whenever the credential changes on disk. Stop must be called to
// release filesystem resources.
type KeyWatcher struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Stop halts the watcher and waits for the underlying goroutine to exit.
func (w *KeyWatcher) Stop() {
	if w == nil {
		return
	}
	w.once.Do(func() {
		w.cancel()
		<-w.done
	})
}

// WatchAPIKey wires fsnotify around the configured key file and republishes
// the trimmed credential on any relevant change. The parent directory is
// watched rather than the file itself so atomic rename-style rotations
// (Kubernetes secret mounts, sops, agenix) are observed.
func WatchAPIKey(ctx context.Context, keyFile string, onChange func(string), onError func(error)) (*KeyWatcher, error) {
	if onChange == nil {
		return nil, errors.New("config: watch api key requires a change callback")
	}
	if strings.TrimSpace(keyFile) == "" {
		return nil, errors.New("config: no api key file configured for watching")
	}

	resolved, err := filepath.Abs(keyFile)
	if err != nil {
		return nil, fmt.Errorf("config: resolve api key file: %w", err)
	}

	key, err := ReadAPIKeyFile(resolved)
	if err != nil {
		return nil, err
	}

	watchCtx, cancel := context.WithCancel(ctx)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("config: watch api key: %w", err)
	}
	if err := watcher.Add(filepath.Dir(resolved)); err != nil {
		cancel()
		_ = watcher.Close()
		return nil, fmt.Errorf("config: watch add %s: %w", filepath.Dir(resolved), err)
	}

	onChange(key)

	done := make(chan struct{})
	kw := &KeyWatcher{cancel: cancel, done: done}

	go func() {
		defer close(done)
		defer func() {
			if err := watcher.Close(); err != nil && onError != nil {
				onError(fmt.Errorf("config: watch api key close: %w", err))
			}
		}()

		var reloadMu sync.Mutex
		reload := func() {
			reloadMu.Lock()
			defer reloadMu.Unlock()
			next, err := ReadAPIKeyFile(resolved)
			if err != nil {
				if onError != nil {
					onError(err)
				}
				return
			}
			onChange(next)
		}

		// Editors and secret managers replace files rather than rewrite
		// them in place, so a short debounce coalesces the event burst.
		var timer *time.Timer
		trigger := make(chan struct{}, 1)
		scheduleReload := func() {
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(100*time.Millisecond, func() {
				select {
				case trigger <- struct{}{}:
				default:
				}
			})
		}
		defer func() {
			if timer != nil {
				timer.Stop()
			}
		}()

		for {
			select {
			case <-watchCtx.Done():
				return
			case <-trigger:
				reload()
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != resolved {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Chmod) != 0 {
					scheduleReload()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				if err != nil && onError != nil {
					onError(fmt.Errorf("config: watch api key: %w", err))
				}
			}
		}
	}()

	return kw, nil
}

// ReadAPIKeyFile loads and trims the credential stored at path.
func ReadAPIKeyFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("config: read api key file: %w", err)
	}
	key := strings.TrimSpace(string(data))
	if key == "" {
		return "", fmt.Errorf("config: api key file %s is empty", path)
	}
	return key, nil
}
