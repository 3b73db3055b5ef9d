package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// CredentialWatcher serves the mesh bearer token from a file and
// re-reads it when the file changes. Rotated credentials take effect
// without restarting the process.
type CredentialWatcher struct {
	path    string
	watcher *fsnotify.Watcher
	logger  zerolog.Logger

	mu       sync.RWMutex
	token    string
	done     chan struct{}
	stopOnce sync.Once
}

// NewCredentialWatcher reads the token file, starts watching its
// directory, and returns the watcher. Watching the directory rather
// than the file survives atomic rename-based rewrites.
func NewCredentialWatcher(path string, logger zerolog.Logger) (*CredentialWatcher, error) {
	token, err := readTokenFile(path)
	if err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create credential watcher: %w", err)
	}

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch credential directory: %w", err)
	}

	cw := &CredentialWatcher{
		path:    path,
		watcher: watcher,
		logger:  logger,
		token:   token,
		done:    make(chan struct{}),
	}

	go cw.eventLoop()

	return cw, nil
}

// Token returns the current bearer token. Satisfies
// mesh.TokenProvider.
func (cw *CredentialWatcher) Token() (string, error) {
	cw.mu.RLock()
	defer cw.mu.RUnlock()
	if cw.token == "" {
		return "", fmt.Errorf("credential file %s is empty", cw.path)
	}
	return cw.token, nil
}

// Stop stops watching and releases the underlying watcher.
func (cw *CredentialWatcher) Stop() error {
	var err error
	cw.stopOnce.Do(func() {
		close(cw.done)
		err = cw.watcher.Close()
	})
	return err
}

func (cw *CredentialWatcher) eventLoop() {
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(cw.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			cw.reload()

		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			cw.logger.Error().Err(err).Msg("Credential watcher error")

		case <-cw.done:
			return
		}
	}
}

func (cw *CredentialWatcher) reload() {
	token, err := readTokenFile(cw.path)
	if err != nil {
		cw.logger.Warn().
			Err(err).
			Str("path", cw.path).
			Msg("Failed to reload credential file, keeping previous token")
		return
	}

	cw.mu.Lock()
	changed := token != cw.token
	cw.token = token
	cw.mu.Unlock()

	if changed {
		cw.logger.Info().
			Str("path", cw.path).
			Msg("Mesh credential reloaded")
	}
}

func readTokenFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read credential file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}
