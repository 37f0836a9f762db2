// Package extract unpacks gzip-compressed tar archives without letting
// any entry write outside the target directory.
//
// Every filesystem write goes through an os.Root handle, so neither ".."
// components nor symlink chains planted by earlier entries can escape
// the extraction root. Entry names are also checked lexically first; a
// name that would escape aborts the whole extraction with
// *PathTraversalError.
//
// The archive's gzip trailer declares the uncompressed size of the
// embedded tar stream. After extraction the actual stream length is
// compared against it and a difference fails with *SizeMismatchError
// unless Options.IgnoreSizeMismatch is set.
package extract

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"archive/tar"

	"github.com/klauspost/compress/gzip"
)

// Options tunes an extraction. The zero value is the strict default.
type Options struct {
	// IgnoreSizeMismatch downgrades the trailer size check from a fatal
	// error to a TrailerMismatch event.
	IgnoreSizeMismatch bool
	// Listener receives progress events. May be nil.
	Listener func(fmt.Stringer)
}

func (o *Options) emit(event fmt.Stringer) {
	if o.Listener != nil {
		o.Listener(event)
	}
}

// Summary reports what an extraction did.
type Summary struct {
	Files    int
	Bytes    int64  // file payload bytes written
	Declared uint32 // trailer-declared uncompressed stream size
	Actual   uint32 // observed uncompressed stream size
}

// Extracted reports one written entry.
type Extracted struct {
	Path  string
	Bytes int64
	Total int64
}

func (e Extracted) String() string {
	return fmt.Sprintf("extracted %s (%d bytes, %d total)", e.Path, e.Bytes, e.Total)
}

// Skipped reports an archive entry of a type the extractor does not
// materialize, such as a device node or fifo.
type Skipped struct {
	Path string
	Type byte
}

func (s Skipped) String() string {
	return fmt.Sprintf("skipped %s (unsupported entry type %d)", s.Path, s.Type)
}

// TrailerMismatch is emitted instead of a SizeMismatchError when
// Options.IgnoreSizeMismatch is set.
type TrailerMismatch struct {
	Declared uint32
	Actual   uint32
}

func (m TrailerMismatch) String() string {
	return fmt.Sprintf("trailer declares %d uncompressed bytes but stream held %d", m.Declared, m.Actual)
}

// PathTraversalError reports an archive entry whose name would resolve
// outside the extraction root. Extraction stops at the first such entry.
type PathTraversalError struct {
	Path string
}

func (e *PathTraversalError) Error() string {
	return fmt.Sprintf("extract: entry %q escapes the extraction root", e.Path)
}

// SizeMismatchError reports a gzip stream whose length differs from the
// size its trailer declares, which indicates truncation or corruption.
type SizeMismatchError struct {
	Declared uint32
	Actual   uint32
}

func (e *SizeMismatchError) Error() string {
	return fmt.Sprintf("extract: declared uncompressed size %d does not match actual %d", e.Declared, e.Actual)
}

// countingReader counts the bytes its wrapped reader produced.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

type dirAttr struct {
	name    string
	mode    fs.FileMode
	modTime time.Time
}

// Extract unpacks the tar.gz archive at archivePath into targetDir,
// creating it if needed. Partial output may remain on error; the caller
// decides whether to keep or discard it.
func Extract(archivePath, targetDir string, opts *Options) (*Summary, error) {
	if opts == nil {
		opts = &Options{}
	}
	target, err := filepath.Abs(targetDir)
	if err != nil {
		return nil, fmt.Errorf("extract: resolving target directory: %w", err)
	}
	if err := os.MkdirAll(target, 0755); err != nil {
		return nil, fmt.Errorf("extract: creating target directory: %w", err)
	}

	declared, err := TrailerSize(archivePath)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(archivePath)
	if err != nil {
		return nil, fmt.Errorf("extract: opening archive: %w", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("extract: reading gzip header: %w", err)
	}
	defer gz.Close()

	root, err := os.OpenRoot(target)
	if err != nil {
		return nil, fmt.Errorf("extract: opening extraction root: %w", err)
	}
	defer root.Close()

	// Counting sits between gzip and tar so it sees the whole
	// uncompressed stream, headers and padding included. That is the
	// quantity the trailer declares.
	counting := &countingReader{r: gz}
	tr := tar.NewReader(counting)

	summary := &Summary{Declared: declared}
	var dirs []dirAttr
	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return summary, fmt.Errorf("extract: reading archive: %w", err)
		}

		name := filepath.Clean(filepath.FromSlash(header.Name))
		if name == "." {
			continue
		}
		if !filepath.IsLocal(name) {
			return summary, &PathTraversalError{Path: header.Name}
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := root.MkdirAll(name, 0755); err != nil {
				return summary, fmt.Errorf("extract: creating directory %s: %w", name, err)
			}
			dirs = append(dirs, dirAttr{name: name, mode: entryMode(header), modTime: header.ModTime})

		case tar.TypeReg:
			n, err := writeFile(root, name, header, tr)
			if err != nil {
				return summary, err
			}
			summary.Files++
			summary.Bytes += n
			opts.emit(Extracted{Path: name, Bytes: n, Total: summary.Bytes})

		case tar.TypeSymlink:
			if err := removeExisting(root, name); err != nil {
				return summary, fmt.Errorf("extract: replacing %s: %w", name, err)
			}
			if err := ensureParent(root, name); err != nil {
				return summary, err
			}
			if err := root.Symlink(header.Linkname, name); err != nil {
				return summary, fmt.Errorf("extract: creating symlink %s: %w", name, err)
			}
			summary.Files++
			opts.emit(Extracted{Path: name, Bytes: 0, Total: summary.Bytes})

		case tar.TypeLink:
			if err := removeExisting(root, name); err != nil {
				return summary, fmt.Errorf("extract: replacing %s: %w", name, err)
			}
			if err := ensureParent(root, name); err != nil {
				return summary, err
			}
			if err := root.Link(filepath.FromSlash(header.Linkname), name); err != nil {
				return summary, fmt.Errorf("extract: creating hard link %s: %w", name, err)
			}
			summary.Files++
			opts.emit(Extracted{Path: name, Bytes: 0, Total: summary.Bytes})

		default:
			opts.emit(Skipped{Path: name, Type: header.Typeflag})
		}
	}

	// Directory attributes go on last, deepest first. A read-only
	// directory applied too early would block writes beneath it, and
	// every write bumps the parent's mtime.
	sort.Slice(dirs, func(i, j int) bool {
		return strings.Count(dirs[i].name, string(filepath.Separator)) > strings.Count(dirs[j].name, string(filepath.Separator))
	})
	for _, dir := range dirs {
		if err := root.Chmod(dir.name, dir.mode); err != nil {
			return summary, fmt.Errorf("extract: setting mode on %s: %w", dir.name, err)
		}
		if err := root.Chtimes(dir.name, dir.modTime, dir.modTime); err != nil {
			return summary, fmt.Errorf("extract: setting times on %s: %w", dir.name, err)
		}
	}

	// Consume trailing padding so the count covers the full stream. A
	// checksum failure here with a divergent trailer is the size
	// mismatch itself: the stream decompressed fully but its trailer
	// disagrees with what it held.
	_, drainErr := io.Copy(io.Discard, counting)
	summary.Actual = uint32(counting.n)
	if drainErr != nil && (!errors.Is(drainErr, gzip.ErrChecksum) || summary.Actual == declared) {
		return summary, fmt.Errorf("extract: draining archive: %w", drainErr)
	}

	if summary.Actual != declared {
		if !opts.IgnoreSizeMismatch {
			return summary, &SizeMismatchError{Declared: declared, Actual: summary.Actual}
		}
		opts.emit(TrailerMismatch{Declared: declared, Actual: summary.Actual})
	}
	return summary, nil
}

func writeFile(root *os.Root, name string, header *tar.Header, r io.Reader) (int64, error) {
	if err := removeExisting(root, name); err != nil {
		return 0, fmt.Errorf("extract: replacing %s: %w", name, err)
	}
	if err := ensureParent(root, name); err != nil {
		return 0, err
	}

	mode := entryMode(header)
	f, err := root.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode.Perm())
	if err != nil {
		return 0, fmt.Errorf("extract: creating %s: %w", name, err)
	}
	n, err := io.Copy(f, r)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return n, fmt.Errorf("extract: writing %s: %w", name, err)
	}

	// OpenFile permissions pass through the umask.
	if err := root.Chmod(name, mode); err != nil {
		return n, fmt.Errorf("extract: setting mode on %s: %w", name, err)
	}
	atime := header.AccessTime
	if atime.IsZero() {
		atime = header.ModTime
	}
	if err := root.Chtimes(name, atime, header.ModTime); err != nil {
		return n, fmt.Errorf("extract: setting times on %s: %w", name, err)
	}
	return n, nil
}

// removeExisting clears a plain file or symlink already present at name.
// Directories stay; new content is merged into them.
func removeExisting(root *os.Root, name string) error {
	info, err := root.Lstat(name)
	if err != nil {
		return nil
	}
	if info.IsDir() {
		return nil
	}
	return root.Remove(name)
}

func ensureParent(root *os.Root, name string) error {
	parent := filepath.Dir(name)
	if parent == "." {
		return nil
	}
	if err := root.MkdirAll(parent, 0755); err != nil {
		return fmt.Errorf("extract: creating directory %s: %w", parent, err)
	}
	return nil
}

func entryMode(header *tar.Header) fs.FileMode {
	mode := header.FileInfo().Mode()
	return mode.Perm() | mode&(fs.ModeSetuid|fs.ModeSetgid|fs.ModeSticky)
}
