package browse

import (
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"media-preview/internal/fetch"
	"media-preview/internal/logging"
	"media-preview/internal/mediatypes"
	"media-preview/internal/preview"
)

// Entry is one item of a folder listing.
type Entry struct {
	Name     string              `json:"name"`
	Path     string              `json:"path"`
	Type     mediatypes.FileType `json:"type"`
	Size     int64               `json:"size,omitempty"`
	ModTime  time.Time           `json:"modTime"`
	MimeType string              `json:"mimeType,omitempty"`
}

// Listing is a folder's media contents.
type Listing struct {
	Host    string  `json:"host"`
	Path    string  `json:"path"`
	Entries []Entry `json:"entries"`
}

// Lister enumerates browsable media folders across the configured hosts.
type Lister struct {
	hosts map[string]*fetch.Local
}

// NewLister creates a Lister over the host adapters.
func NewLister(hosts map[string]*fetch.Local) *Lister {
	return &Lister{hosts: hosts}
}

// List returns the folders and media files directly under relPath on host.
// Non-media files are omitted; hidden entries are skipped. Folders sort
// first, then files, each alphabetically.
func (l *Lister) List(host, relPath string) (*Listing, error) {
	adapter, ok := l.hosts[host]
	if !ok {
		return nil, preview.Errorf(preview.KindHostUnreachable, "browse.List", "unknown host %q", host)
	}

	abs, err := adapter.Resolve(relPath)
	if err != nil {
		return nil, preview.E(preview.KindHostUnreachable, "browse.List", err)
	}

	dirEntries, err := os.ReadDir(abs)
	if err != nil {
		return nil, preview.E(preview.KindHostUnreachable, "browse.List", err)
	}

	entries := make([]Entry, 0, len(dirEntries))
	for _, de := range dirEntries {
		name := de.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}

		info, err := de.Info()
		if err != nil {
			logging.Debug("browse: skipping %s: %v", name, err)
			continue
		}

		entryPath := path.Join("/", relPath, name)

		if de.IsDir() {
			entries = append(entries, Entry{
				Name:    name,
				Path:    entryPath,
				Type:    mediatypes.FileTypeFolder,
				ModTime: info.ModTime(),
			})
			continue
		}

		ext := strings.ToLower(filepath.Ext(name))
		if !mediatypes.IsMediaFile(ext) {
			continue
		}

		entries = append(entries, Entry{
			Name:     name,
			Path:     entryPath,
			Type:     mediatypes.GetFileType(ext),
			Size:     info.Size(),
			ModTime:  info.ModTime(),
			MimeType: mediatypes.GetMimeType(ext),
		})
	}

	sort.Slice(entries, func(i, j int) bool {
		iFolder := entries[i].Type == mediatypes.FileTypeFolder
		jFolder := entries[j].Type == mediatypes.FileTypeFolder
		if iFolder != jFolder {
			return iFolder
		}
		return strings.ToLower(entries[i].Name) < strings.ToLower(entries[j].Name)
	})

	return &Listing{
		Host:    host,
		Path:    path.Join("/", relPath),
		Entries: entries,
	}, nil
}
