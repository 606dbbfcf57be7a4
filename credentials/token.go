package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// ErrNoToken is returned when no bearer token is available.
var ErrNoToken = errors.New("no bearer token")

// TokenSource supplies the bearer token for primary API calls.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a fixed token.
type StaticToken string

// Token implements TokenSource.
func (s StaticToken) Token(context.Context) (string, error) {
	if s == "" {
		return "", ErrNoToken
	}
	return string(s), nil
}

// FileToken reads the token from a file and reloads it whenever the file
// changes, so a host app can rotate the session without a restart.
type FileToken struct {
	path    string
	logger  *slog.Logger
	watcher *fsnotify.Watcher
	done    chan struct{}

	mu    sync.RWMutex
	token string
	err   error
}

// NewFileToken loads path and starts watching its directory.
func NewFileToken(path string, logger *slog.Logger) (*FileToken, error) {
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving token path: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating token watcher: %w", err)
	}
	// Watch the directory: editors and atomic writers replace the file.
	if err := w.Add(filepath.Dir(abs)); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("watching token directory: %w", err)
	}

	ft := &FileToken{
		path:    abs,
		logger:  logger.With("component", "credentials", "token_file", abs),
		watcher: w,
		done:    make(chan struct{}),
	}
	ft.reload()
	go ft.watch()
	return ft, nil
}

func (ft *FileToken) watch() {
	defer close(ft.done)
	for {
		select {
		case ev, ok := <-ft.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != ft.path {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				ft.reload()
			}
		case err, ok := <-ft.watcher.Errors:
			if !ok {
				return
			}
			ft.logger.Warn("token watcher error", "error", err)
		}
	}
}

func (ft *FileToken) reload() {
	data, err := os.ReadFile(ft.path)
	token := strings.TrimSpace(string(data))

	ft.mu.Lock()
	defer ft.mu.Unlock()
	switch {
	case errors.Is(err, os.ErrNotExist):
		ft.token, ft.err = "", ErrNoToken
	case err != nil:
		ft.token, ft.err = "", fmt.Errorf("reading token file: %w", err)
	case token == "":
		ft.token, ft.err = "", ErrNoToken
	default:
		ft.token, ft.err = token, nil
	}
	ft.logger.Debug("token reloaded", "present", ft.token != "")
}

// Token implements TokenSource.
func (ft *FileToken) Token(context.Context) (string, error) {
	ft.mu.RLock()
	defer ft.mu.RUnlock()
	return ft.token, ft.err
}

// Close stops watching the file.
func (ft *FileToken) Close() error {
	err := ft.watcher.Close()
	<-ft.done
	return err
}

var (
	_ TokenSource = StaticToken("")
	_ TokenSource = (*FileToken)(nil)
)
