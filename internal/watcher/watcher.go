package watcher

import (
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/EmeraldPi/Dispatcharr/internal/repository"
	"github.com/EmeraldPi/Dispatcharr/internal/scanner"
	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
)

// debounceWindow batches a burst of file events (a copy in progress, a
// season dropped in at once) into a single scan request.
const debounceWindow = 30 * time.Second

// OnLibraryChange is called once per burst of media file events in a library.
type OnLibraryChange func(libraryID uuid.UUID)

type watchTarget struct {
	libraryID uuid.UUID
	recursive bool
}

// Watcher monitors library locations for filesystem changes and requests a
// scan for the affected library after the burst settles.
type Watcher struct {
	libraries *repository.LibraryRepository
	callback  OnLibraryChange
	watcher   *fsnotify.Watcher
	mu        sync.Mutex
	watched   map[string]watchTarget // directory → owning library
	debounce  map[uuid.UUID]*time.Timer
	stop      chan struct{}
}

func New(libraries *repository.LibraryRepository, cb OnLibraryChange) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		libraries: libraries,
		callback:  cb,
		watcher:   fw,
		watched:   make(map[string]watchTarget),
		debounce:  make(map[uuid.UUID]*time.Timer),
		stop:      make(chan struct{}),
	}, nil
}

// Start begins watching all library locations and processing events.
func (w *Watcher) Start() {
	go w.eventLoop()
	w.Refresh()
	log.Println("Watcher: filesystem watcher started")
}

func (w *Watcher) Stop() {
	close(w.stop)
	w.watcher.Close()
}

// Refresh reloads watched locations from the database.
func (w *Watcher) Refresh() {
	libraries, err := w.libraries.List()
	if err != nil {
		log.Printf("Watcher: failed to load libraries: %v", err)
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	for path := range w.watched {
		w.watcher.Remove(path)
		delete(w.watched, path)
	}

	for _, library := range libraries {
		for _, location := range library.Locations {
			if location.Recursive {
				w.addRecursive(location.Path, library.ID)
				continue
			}
			if err := w.watcher.Add(location.Path); err != nil {
				log.Printf("Watcher: cannot watch %s: %v", location.Path, err)
				continue
			}
			w.watched[location.Path] = watchTarget{libraryID: library.ID}
		}
	}

	log.Printf("Watcher: watching %d directories across %d libraries", len(w.watched), len(libraries))
}

// addRecursive walks the tree under root and watches every directory.
// Callers hold w.mu.
func (w *Watcher) addRecursive(root string, libraryID uuid.UUID) {
	filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // skip inaccessible dirs
		}
		if info.IsDir() {
			if err := w.watcher.Add(path); err != nil {
				return nil
			}
			w.watched[path] = watchTarget{libraryID: libraryID, recursive: true}
		}
		return nil
	})
}

func (w *Watcher) eventLoop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("Watcher: error: %v", err)
		case <-w.stop:
			return
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	// Skip hidden files and in-progress transfers
	base := filepath.Base(event.Name)
	if strings.HasPrefix(base, ".") || strings.HasSuffix(base, ".tmp") ||
		strings.HasSuffix(base, ".part") {
		return
	}

	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) &&
		!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return
	}

	// Newly created directories join the watch when the location is recursive
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			target, ok := w.resolveTarget(event.Name)
			if ok && target.recursive {
				w.mu.Lock()
				if err := w.watcher.Add(event.Name); err == nil {
					w.watched[event.Name] = target
				}
				w.mu.Unlock()
			}
			return
		}
	}

	if !scanner.IsMediaFile(base) {
		return
	}

	target, ok := w.resolveTarget(event.Name)
	if !ok {
		return
	}
	w.requestScan(target.libraryID)
}

// requestScan restarts the library's debounce timer; the callback fires once
// the burst has been quiet for the full window.
func (w *Watcher) requestScan(libraryID uuid.UUID) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if timer, ok := w.debounce[libraryID]; ok {
		timer.Stop()
	}
	w.debounce[libraryID] = time.AfterFunc(debounceWindow, func() {
		w.mu.Lock()
		delete(w.debounce, libraryID)
		w.mu.Unlock()

		log.Printf("Watcher: changes settled in library %s, requesting scan", libraryID)
		w.callback(libraryID)
	})
}

// resolveTarget walks up the directory tree to the nearest watched parent.
func (w *Watcher) resolveTarget(path string) (watchTarget, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	dir := filepath.Dir(path)
	for {
		if target, ok := w.watched[dir]; ok {
			return target, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return watchTarget{}, false
		}
		dir = parent
	}
}
