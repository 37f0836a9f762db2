package extract

import (
	"archive/tar"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
)

var testModTime = time.Unix(1355259948, 0)

type tarEntry struct {
	name     string
	typeflag byte
	mode     int64
	content  string
	linkname string
}

// archiveBytes builds a tar.gz archive in memory. The gzip writer fills
// in the ISIZE trailer, so well-formed fixtures always carry a correct
// declared size.
func archiveBytes(t *testing.T, entries []tarEntry) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for _, entry := range entries {
		header := &tar.Header{
			Name:     entry.name,
			Typeflag: entry.typeflag,
			Mode:     entry.mode,
			Linkname: entry.linkname,
			ModTime:  testModTime,
		}
		if entry.typeflag == tar.TypeReg {
			header.Size = int64(len(entry.content))
		}
		if err := tw.WriteHeader(header); err != nil {
			t.Fatalf("failed to write tar header: %v", err)
		}
		if entry.typeflag == tar.TypeReg {
			if _, err := tw.Write([]byte(entry.content)); err != nil {
				t.Fatalf("failed to write tar content: %v", err)
			}
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("failed to close tar writer: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("failed to close gzip writer: %v", err)
	}
	return buf.Bytes()
}

func writeArchive(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "archive.tar.gz")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("failed to write archive: %v", err)
	}
	return path
}

func TestExtractWellFormedArchive(t *testing.T) {
	archive := writeArchive(t, archiveBytes(t, []tarEntry{
		{name: "cmake-3.13.4/", typeflag: tar.TypeDir, mode: 0755},
		{name: "cmake-3.13.4/bin/", typeflag: tar.TypeDir, mode: 0755},
		{name: "cmake-3.13.4/bin/cmake", typeflag: tar.TypeReg, mode: 0755, content: "#!/bin/sh\necho cmake\n"},
		{name: "cmake-3.13.4/README.txt", typeflag: tar.TypeReg, mode: 0644, content: "readme\n"},
		{name: "cmake-3.13.4/bin/ccmake", typeflag: tar.TypeSymlink, mode: 0777, linkname: "cmake"},
	}))
	target := filepath.Join(t.TempDir(), "out")

	var events []fmt.Stringer
	summary, err := Extract(archive, target, &Options{Listener: func(ev fmt.Stringer) { events = append(events, ev) }})
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if summary.Files != 3 {
		t.Errorf("expected 3 files, got %d", summary.Files)
	}
	if summary.Actual != summary.Declared {
		t.Errorf("expected stream size %d to equal declared %d", summary.Actual, summary.Declared)
	}
	if summary.Declared == 0 {
		t.Error("expected a nonzero declared size")
	}

	content, err := os.ReadFile(filepath.Join(target, "cmake-3.13.4/bin/cmake"))
	if err != nil {
		t.Fatalf("expected extracted file: %v", err)
	}
	if string(content) != "#!/bin/sh\necho cmake\n" {
		t.Errorf("unexpected content: %q", content)
	}

	info, err := os.Stat(filepath.Join(target, "cmake-3.13.4/bin/cmake"))
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0755 {
		t.Errorf("expected mode 0755, got %v", info.Mode().Perm())
	}
	if !info.ModTime().Equal(testModTime) {
		t.Errorf("expected mtime %v, got %v", testModTime, info.ModTime())
	}

	link, err := os.Readlink(filepath.Join(target, "cmake-3.13.4/bin/ccmake"))
	if err != nil {
		t.Fatalf("expected symlink: %v", err)
	}
	if link != "cmake" {
		t.Errorf("expected symlink to cmake, got %q", link)
	}

	var extracted int
	for _, ev := range events {
		if _, ok := ev.(Extracted); ok {
			extracted++
		}
	}
	if extracted != 3 {
		t.Errorf("expected 3 extraction events, got %d", extracted)
	}
}

func TestExtractRejectsPathTraversal(t *testing.T) {
	archive := writeArchive(t, archiveBytes(t, []tarEntry{
		{name: "../../etc/passwd", typeflag: tar.TypeReg, mode: 0644, content: "root::0:0::/:/bin/sh\n"},
		{name: "after.txt", typeflag: tar.TypeReg, mode: 0644, content: "never written\n"},
	}))
	base := t.TempDir()
	target := filepath.Join(base, "a", "b")

	_, err := Extract(archive, target, nil)
	var traversal *PathTraversalError
	if !errors.As(err, &traversal) {
		t.Fatalf("expected PathTraversalError, got: %v", err)
	}
	if traversal.Path != "../../etc/passwd" {
		t.Errorf("expected entry name in error, got %q", traversal.Path)
	}

	// Nothing escaped the root, and nothing after the bad entry was
	// extracted.
	if _, err := os.Stat(filepath.Join(base, "etc", "passwd")); !os.IsNotExist(err) {
		t.Error("traversal entry was written outside the target")
	}
	if _, err := os.Stat(filepath.Join(target, "after.txt")); !os.IsNotExist(err) {
		t.Error("extraction continued past the traversal entry")
	}
}

func TestExtractBlocksSymlinkEscape(t *testing.T) {
	// The entry names are all local; the escape is through a symlink
	// planted by the first entry.
	archive := writeArchive(t, archiveBytes(t, []tarEntry{
		{name: "exit", typeflag: tar.TypeSymlink, mode: 0777, linkname: "../../"},
		{name: "exit/evil.txt", typeflag: tar.TypeReg, mode: 0644, content: "escaped\n"},
	}))
	base := t.TempDir()
	target := filepath.Join(base, "a", "b")

	if _, err := Extract(archive, target, nil); err == nil {
		t.Fatal("expected extraction through an escaping symlink to fail")
	}
	if _, err := os.Stat(filepath.Join(base, "evil.txt")); !os.IsNotExist(err) {
		t.Error("file was written outside the target through a symlink")
	}
}

func TestExtractSizeMismatch(t *testing.T) {
	data := archiveBytes(t, []tarEntry{
		{name: "file.txt", typeflag: tar.TypeReg, mode: 0644, content: "payload\n"},
	})
	actual := binary.LittleEndian.Uint32(data[len(data)-4:])
	binary.LittleEndian.PutUint32(data[len(data)-4:], actual+100)
	archive := writeArchive(t, data)

	_, err := Extract(archive, t.TempDir(), nil)
	var mismatch *SizeMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("expected SizeMismatchError, got: %v", err)
	}
	if mismatch.Declared != actual+100 || mismatch.Actual != actual {
		t.Errorf("unexpected sizes: declared %d, actual %d", mismatch.Declared, mismatch.Actual)
	}
}

func TestExtractSizeMismatchIgnored(t *testing.T) {
	data := archiveBytes(t, []tarEntry{
		{name: "file.txt", typeflag: tar.TypeReg, mode: 0644, content: "payload\n"},
	})
	actual := binary.LittleEndian.Uint32(data[len(data)-4:])
	binary.LittleEndian.PutUint32(data[len(data)-4:], actual+100)
	archive := writeArchive(t, data)
	target := t.TempDir()

	var events []fmt.Stringer
	summary, err := Extract(archive, target, &Options{
		IgnoreSizeMismatch: true,
		Listener:           func(ev fmt.Stringer) { events = append(events, ev) },
	})
	if err != nil {
		t.Fatalf("expected soft mode to tolerate the mismatch, got: %v", err)
	}
	if summary.Actual != actual {
		t.Errorf("expected actual size %d, got %d", actual, summary.Actual)
	}

	var noted bool
	for _, ev := range events {
		if _, ok := ev.(TrailerMismatch); ok {
			noted = true
		}
	}
	if !noted {
		t.Error("expected a TrailerMismatch event")
	}
	if _, err := os.Stat(filepath.Join(target, "file.txt")); err != nil {
		t.Errorf("expected file to be extracted: %v", err)
	}
}

func TestExtractReplacesExistingFiles(t *testing.T) {
	target := t.TempDir()
	if err := os.MkdirAll(filepath.Join(target, "dir"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(target, "dir", "file.txt"), []byte("old\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("file.txt", filepath.Join(target, "dir", "link")); err != nil {
		t.Fatal(err)
	}

	archive := writeArchive(t, archiveBytes(t, []tarEntry{
		{name: "dir/", typeflag: tar.TypeDir, mode: 0755},
		{name: "dir/file.txt", typeflag: tar.TypeReg, mode: 0644, content: "new\n"},
		{name: "dir/link", typeflag: tar.TypeReg, mode: 0644, content: "now a file\n"},
	}))
	if _, err := Extract(archive, target, nil); err != nil {
		t.Fatalf("Extract failed: %v", err)
	}

	content, err := os.ReadFile(filepath.Join(target, "dir", "file.txt"))
	if err != nil || string(content) != "new\n" {
		t.Errorf("expected file to be replaced, got %q, %v", content, err)
	}
	info, err := os.Lstat(filepath.Join(target, "dir", "link"))
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode()&os.ModeSymlink != 0 {
		t.Error("expected symlink to be replaced by a regular file")
	}
}

func TestExtractHardLink(t *testing.T) {
	archive := writeArchive(t, archiveBytes(t, []tarEntry{
		{name: "a.txt", typeflag: tar.TypeReg, mode: 0644, content: "shared\n"},
		{name: "b.txt", typeflag: tar.TypeLink, mode: 0644, linkname: "a.txt"},
	}))
	target := t.TempDir()

	summary, err := Extract(archive, target, nil)
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if summary.Files != 2 {
		t.Errorf("expected 2 files, got %d", summary.Files)
	}
	content, err := os.ReadFile(filepath.Join(target, "b.txt"))
	if err != nil || string(content) != "shared\n" {
		t.Errorf("expected hard link content, got %q, %v", content, err)
	}
}

func TestExtractSkipsSpecialEntries(t *testing.T) {
	archive := writeArchive(t, archiveBytes(t, []tarEntry{
		{name: "pipe", typeflag: tar.TypeFifo, mode: 0644},
		{name: "file.txt", typeflag: tar.TypeReg, mode: 0644, content: "kept\n"},
	}))
	target := t.TempDir()

	var skipped []Skipped
	summary, err := Extract(archive, target, &Options{Listener: func(ev fmt.Stringer) {
		if s, ok := ev.(Skipped); ok {
			skipped = append(skipped, s)
		}
	}})
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if summary.Files != 1 {
		t.Errorf("expected 1 file, got %d", summary.Files)
	}
	if len(skipped) != 1 || skipped[0].Path != "pipe" {
		t.Errorf("expected the fifo to be skipped, got %v", skipped)
	}
	if _, err := os.Lstat(filepath.Join(target, "pipe")); !os.IsNotExist(err) {
		t.Error("expected no filesystem object for the fifo")
	}
}

func TestTrailerSize(t *testing.T) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	content := bytes.Repeat([]byte("x"), 12345)
	if _, err := gz.Write(content); err != nil {
		t.Fatal(err)
	}
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}
	path := writeArchive(t, buf.Bytes())

	size, err := TrailerSize(path)
	if err != nil {
		t.Fatalf("TrailerSize failed: %v", err)
	}
	if size != uint32(len(content)) {
		t.Errorf("expected declared size %d, got %d", len(content), size)
	}
}

func TestTrailerSizeShortFile(t *testing.T) {
	path := writeArchive(t, []byte{0x1f, 0x8b})
	if _, err := TrailerSize(path); err == nil {
		t.Fatal("expected short file to be rejected")
	}
}
