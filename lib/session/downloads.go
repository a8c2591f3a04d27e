package session

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// downloadsCacheTTL bounds how often the download behavior is re-asserted.
const downloadsCacheTTL = 30 * time.Second

type downloadState struct {
	dir       string
	checkedAt time.Time
	watcher   *fsnotify.Watcher
	stop      chan struct{}
}

// DownloadDir returns the per-tab downloads directory without touching the
// browser.
func (m *Manager) DownloadDir(tabID string) string {
	root := m.cfg.DownloadDir
	if root == "" {
		root = filepath.Join(m.cfg.DataDir, "downloads")
	}
	return filepath.Join(root, safeTabID(tabID))
}

// ensureDownloads points the browser's downloads at the per-tab directory
// and starts a completion watcher. Re-asserted at most once per TTL.
func (m *Manager) ensureDownloads(ctx context.Context, sess *Session) error {
	tabID := sess.TabID()
	m.downloadsMu.Lock()
	state := m.downloads[tabID]
	if state != nil && time.Since(state.checkedAt) < downloadsCacheTTL {
		m.downloadsMu.Unlock()
		return nil
	}
	m.downloadsMu.Unlock()

	dir := m.DownloadDir(tabID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		abs = dir
	}
	params := map[string]any{"behavior": "allow", "downloadPath": abs}
	if _, err := sess.Conn().Send(ctx, "Page.setDownloadBehavior", params); err != nil {
		// Page.setDownloadBehavior is deprecated on newer Chromes.
		if _, err := sess.Conn().Send(ctx, "Browser.setDownloadBehavior", params); err != nil {
			return err
		}
	}

	m.downloadsMu.Lock()
	defer m.downloadsMu.Unlock()
	state = m.downloads[tabID]
	if state == nil {
		state = &downloadState{dir: dir, stop: make(chan struct{})}
		if watcher, err := fsnotify.NewWatcher(); err == nil {
			if err := watcher.Add(dir); err == nil {
				state.watcher = watcher
				go m.watchDownloads(tabID, watcher, state.stop)
			} else {
				_ = watcher.Close()
			}
		}
		m.downloads[tabID] = state
	}
	state.checkedAt = time.Now()
	return nil
}

// watchDownloads records completed downloads into the tab's telemetry.
// Chrome writes <name>.crdownload and renames it when done, so the final
// name's Create event marks completion.
func (m *Manager) watchDownloads(tabID string, watcher *fsnotify.Watcher, stop chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			name := filepath.Base(ev.Name)
			if strings.HasSuffix(name, ".crdownload") || strings.HasPrefix(name, ".") {
				continue
			}
			info, err := os.Stat(ev.Name)
			if err != nil || info.IsDir() {
				continue
			}
			m.tabTelemetry(tabID).RecordDownload(name, info.Size())
		case _, ok := <-watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

func (m *Manager) stopDownloadWatchers() {
	m.downloadsMu.Lock()
	defer m.downloadsMu.Unlock()
	for tabID, state := range m.downloads {
		if state.watcher != nil {
			close(state.stop)
			_ = state.watcher.Close()
		}
		delete(m.downloads, tabID)
	}
}
