// Package watcher registers text files dropped into the upload tree as
// unclaimed work items, so bulk uploads can bypass the HTTP surface.
package watcher

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/leshun/autopost/backend/database"
	"github.com/leshun/autopost/backend/models"
)

const debounceDelay = 500 * time.Millisecond

// Watcher monitors the upload root for dropped files.
//
// The expected layout is uploadRoot/<owner>/<folder>/<file>.txt; anything
// outside that shape is ignored.
type Watcher struct {
	items      *database.WorkItemRepo
	uploadRoot string
	archive    string
	watcher    *fsnotify.Watcher
	stopChan   chan struct{}
	wg         sync.WaitGroup
	mu         sync.Mutex
	stopped    bool

	debounceMap map[string]*time.Timer
	debounceMu  sync.Mutex

	log zerolog.Logger
}

// New creates a new upload watcher
func New(db *database.DB, uploadRoot, archiveFolder string, log zerolog.Logger) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &Watcher{
		items:       database.NewWorkItemRepo(db),
		uploadRoot:  uploadRoot,
		archive:     archiveFolder,
		watcher:     fsWatcher,
		stopChan:    make(chan struct{}),
		debounceMap: make(map[string]*time.Timer),
		log:         log.With().Str("component", "watcher").Logger(),
	}, nil
}

// Start begins watching the upload tree
func (w *Watcher) Start() error {
	if err := os.MkdirAll(w.uploadRoot, 0755); err != nil {
		return err
	}
	if err := w.addTree(w.uploadRoot); err != nil {
		return err
	}

	w.wg.Add(1)
	go w.processEvents()

	w.log.Info().Str("root", w.uploadRoot).Msg("upload watcher started")
	return nil
}

// Stop stops the watcher
func (w *Watcher) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	w.mu.Unlock()

	close(w.stopChan)
	w.watcher.Close()
	w.wg.Wait()
	w.log.Info().Msg("upload watcher stopped")
}

// addTree watches a directory and all of its subdirectories
func (w *Watcher) addTree(root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.IsDir() && info.Name() != w.archive {
			return w.watcher.Add(path)
		}
		return nil
	})
}

func (w *Watcher) processEvents() {
	defer w.wg.Done()

	for {
		select {
		case <-w.stopChan:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			w.handlePath(event.Name)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn().Err(err).Msg("watch error")
		}
	}
}

func (w *Watcher) handlePath(path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}

	if info.IsDir() {
		if info.Name() == w.archive {
			return
		}
		if err := w.watcher.Add(path); err != nil {
			w.log.Warn().Err(err).Str("dir", path).Msg("failed to watch new directory")
		}
		return
	}

	if !strings.EqualFold(filepath.Ext(path), ".txt") {
		return
	}

	// Debounce: editors and copies fire several writes per file.
	w.debounceMu.Lock()
	if timer, ok := w.debounceMap[path]; ok {
		timer.Stop()
	}
	w.debounceMap[path] = time.AfterFunc(debounceDelay, func() {
		w.debounceMu.Lock()
		delete(w.debounceMap, path)
		w.debounceMu.Unlock()
		w.register(path)
	})
	w.debounceMu.Unlock()
}

// register creates an unclaimed work item for a dropped file
func (w *Watcher) register(path string) {
	owner, folder, ok := w.split(path)
	if !ok {
		return
	}

	info, err := os.Stat(path)
	if err != nil {
		return
	}

	// Skip files that are already tracked.
	existing, err := w.items.ListByOwner(owner, folder, "", 1000, 0)
	if err != nil {
		w.log.Error().Err(err).Msg("failed to check existing work items")
		return
	}
	for _, item := range existing {
		if item.Path == path {
			return
		}
	}

	item := &models.WorkItem{
		OwnerID:      owner,
		Filename:     filepath.Base(path),
		OriginalName: filepath.Base(path),
		Path:         path,
		Size:         info.Size(),
		Folder:       folder,
		Status:       models.WorkItemUnclaimed,
	}
	if err := w.items.Create(item); err != nil {
		w.log.Error().Err(err).Str("path", path).Msg("failed to register dropped file")
		return
	}

	w.log.Info().Str("owner", owner).Str("folder", folder).Str("file", item.Filename).Msg("registered dropped file")
}

// split extracts <owner>/<folder> from a path below the upload root
func (w *Watcher) split(path string) (owner, folder string, ok bool) {
	rel, err := filepath.Rel(w.uploadRoot, path)
	if err != nil {
		return "", "", false
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) != 3 {
		return "", "", false
	}
	if parts[1] == w.archive {
		return "", "", false
	}
	return parts[0], parts[1], true
}
