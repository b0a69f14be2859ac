package scanner

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/EmeraldPi/Dispatcharr/internal/models"
	"github.com/google/uuid"
)

// Media file extensions eligible for discovery. Everything else is ignored.
var mediaExtensions = map[string]bool{
	".mkv":  true,
	".mp4":  true,
	".mov":  true,
	".avi":  true,
	".m4v":  true,
	".ts":   true,
	".flv":  true,
	".wmv":  true,
	".mpg":  true,
	".mpeg": true,
}

// FileStore is the slice of the file repository the walker needs.
type FileStore interface {
	GetOrCreateByPath(libraryID uuid.UUID, absolutePath string, defaults *models.MediaFile) (*models.MediaFile, bool, error)
	UpdateDiscovery(file *models.MediaFile) error
	MarkMissing(libraryID uuid.UUID, seenPaths []string, at time.Time) (int64, error)
}

// DiscoveredFile pairs a catalog file record with the decision of whether its
// technical metadata needs (re)probing.
type DiscoveredFile struct {
	File          *models.MediaFile
	RequiresProbe bool
}

// Walker performs file discovery for one library scan: it walks the library
// locations, upserts file records, tracks which paths were seen, and marks
// everything unseen as missing. Counters accumulate on the scan record; the
// caller persists them.
type Walker struct {
	files     FileStore
	library   *models.Library
	scan      *models.LibraryScan
	forceFull bool
	target    *models.MediaItem
	now       time.Time

	seenPaths map[string]struct{}
	logLines  []string
}

// NewWalker builds a walker for one scan run. target restricts discovery to
// files already linked to that item (or not linked at all); it also forces a
// full rescan of whatever survives the filter.
func NewWalker(files FileStore, library *models.Library, scan *models.LibraryScan, target *models.MediaItem) *Walker {
	return &Walker{
		files:     files,
		library:   library,
		scan:      scan,
		forceFull: scan.ForceFull || target != nil,
		target:    target,
		now:       time.Now().UTC(),
		seenPaths: make(map[string]struct{}),
	}
}

// Logf records a scan log line and mirrors it to the process log.
func (w *Walker) Logf(format string, args ...interface{}) {
	message := fmt.Sprintf(format, args...)
	log.Printf("Scanner: [library %s] %s", w.library.ID, message)
	w.logLines = append(w.logLines, message)
}

// Log returns the accumulated scan log joined by newlines.
func (w *Walker) Log() string {
	return strings.Join(w.logLines, "\n")
}

// Discover walks every configured location, ensures a MediaFile row exists
// for each media file on disk, and returns the files that survived the
// rescan-target filter. After discovery scan.TotalFiles holds the number of
// unique paths seen and NewFiles/UpdatedFiles the upsert counters.
func (w *Walker) Discover() ([]DiscoveredFile, error) {
	var discovered []DiscoveredFile

	if len(w.library.Locations) == 0 {
		w.Logf("Library '%s' has no configured locations.", w.library.Name)
		return discovered, nil
	}

	var newFiles, updatedFiles int
	for i := range w.library.Locations {
		location := &w.library.Locations[i]

		info, err := os.Stat(location.Path)
		if err != nil {
			w.Logf("Path '%s' does not exist for library '%s'.", location.Path, w.library.Name)
			continue
		}
		if !info.IsDir() {
			w.Logf("Path '%s' is not a directory; skipping.", location.Path)
			continue
		}

		err = w.walkLocation(location, func(path string, entry fs.DirEntry) {
			w.seenPaths[path] = struct{}{}

			file, processErr := w.ensureFileRecord(location, path, entry)
			if processErr != nil {
				w.Logf("Failed to process '%s': %v", path, processErr)
				return
			}
			if file.created {
				newFiles++
			} else if file.updated {
				updatedFiles++
			}

			// A pinned rescan only reprocesses files that belong to the
			// target item or are still unlinked.
			if w.target != nil && file.record.MediaItemID != nil && *file.record.MediaItemID != w.target.ID {
				return
			}

			discovered = append(discovered, DiscoveredFile{File: file.record, RequiresProbe: file.requiresProbe})
		})
		if err != nil {
			w.Logf("Walk failed for '%s': %v", location.Path, err)
		}
	}

	w.scan.TotalFiles = len(w.seenPaths)
	w.scan.NewFiles = newFiles
	w.scan.UpdatedFiles = updatedFiles
	return discovered, nil
}

// walkLocation visits every media file under the location, honoring its
// Recursive flag. Unreadable subtrees are skipped, not fatal.
func (w *Walker) walkLocation(location *models.Location, visit func(path string, entry fs.DirEntry)) error {
	if !location.Recursive {
		entries, err := os.ReadDir(location.Path)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			if entry.IsDir() || !IsMediaFile(entry.Name()) {
				continue
			}
			visit(filepath.Join(location.Path, entry.Name()), entry)
		}
		return nil
	}

	return filepath.WalkDir(location.Path, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			w.Logf("Cannot read '%s': %v", path, err)
			if entry != nil && entry.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if entry.IsDir() || !IsMediaFile(entry.Name()) {
			return nil
		}
		visit(path, entry)
		return nil
	})
}

type ensuredFile struct {
	record        *models.MediaFile
	created       bool
	updated       bool
	requiresProbe bool
}

// ensureFileRecord upserts the MediaFile row for one on-disk file and decides
// whether it needs a technical probe: new files always do, known files when
// the scan is forced, the stored mtime is missing or older than disk, or no
// checksum has been computed yet.
func (w *Walker) ensureFileRecord(location *models.Location, path string, entry fs.DirEntry) (*ensuredFile, error) {
	info, err := entry.Info()
	if err != nil {
		return nil, err
	}
	relativePath, err := filepath.Rel(location.Path, path)
	if err != nil {
		relativePath = entry.Name()
	}
	lastModified := info.ModTime().UTC()
	lastSeen := w.now

	defaults := &models.MediaFile{
		LocationID:   &location.ID,
		RelativePath: relativePath,
		FileName:     entry.Name(),
		SizeBytes:    info.Size(),
		LastModified: &lastModified,
		LastSeenAt:   &lastSeen,
	}

	record, created, err := w.files.GetOrCreateByPath(w.library.ID, path, defaults)
	if err != nil {
		return nil, err
	}

	result := &ensuredFile{record: record, created: created}
	if created {
		result.requiresProbe = true
	} else {
		changed := w.forceFull ||
			record.LastModified == nil ||
			lastModified.After(*record.LastModified)
		if changed {
			record.SizeBytes = info.Size()
			record.LastModified = &lastModified
			result.updated = true
			result.requiresProbe = true
		}
	}

	record.LocationID = &location.ID
	record.RelativePath = relativePath
	record.FileName = entry.Name()
	record.LastSeenAt = &lastSeen
	record.MissingSince = nil
	if err := w.files.UpdateDiscovery(record); err != nil {
		return nil, err
	}

	if w.forceFull || record.Checksum == nil || *record.Checksum == "" {
		result.requiresProbe = true
	}
	return result, nil
}

// MarkMissing stamps missing_since on every file of the library whose path
// was not seen during discovery. Already-missing files are re-stamped.
func (w *Walker) MarkMissing() (int64, error) {
	seen := make([]string, 0, len(w.seenPaths))
	for path := range w.seenPaths {
		seen = append(seen, path)
	}
	count, err := w.files.MarkMissing(w.library.ID, seen, w.now)
	if err != nil {
		return 0, err
	}
	if count > 0 {
		w.Logf("Marked %d files as missing.", count)
		w.scan.RemovedFiles = int(count)
	}
	return count, nil
}

// IsMediaFile reports whether the file name carries a recognized media
// container extension.
func IsMediaFile(name string) bool {
	return mediaExtensions[strings.ToLower(filepath.Ext(name))]
}

// Checksum computes the SHA1 of the file contents, streaming in 1 MiB
// chunks. A vanished file yields an empty checksum, not an error.
func Checksum(path string) (string, error) {
	handle, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	defer handle.Close()

	hasher := sha1.New()
	if _, err := io.CopyBuffer(hasher, handle, make([]byte, 1024*1024)); err != nil {
		return "", err
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}
