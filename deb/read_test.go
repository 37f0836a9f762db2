package deb

import (
	"archive/tar"
	"bytes"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/blakesmith/ar"
	"github.com/ulikunitz/xz"
)

// tarBytes builds a plain tar stream holding the given name/content pairs.
func tarBytes(t *testing.T, entries map[string]string) []byte {
	t.Helper()
	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)

	buf := new(bytes.Buffer)
	tw := tar.NewWriter(buf)
	for _, name := range names {
		body := entries[name]
		header := &tar.Header{
			Name:    name,
			Size:    int64(len(body)),
			Mode:    0644,
			ModTime: time.Unix(1700000000, 0),
		}
		if err := tw.WriteHeader(header); err != nil {
			t.Fatal(err)
		}
		if _, err := tw.Write([]byte(body)); err != nil {
			t.Fatal(err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func xzBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	buf := new(bytes.Buffer)
	w, err := xz.NewWriter(buf)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write(data); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// arBytes assembles a deb-shaped ar archive from named members.
func arBytes(t *testing.T, members []struct {
	name string
	body []byte
}) []byte {
	t.Helper()
	buf := new(bytes.Buffer)
	w := ar.NewWriter(buf)
	if err := w.WriteGlobalHeader(); err != nil {
		t.Fatal(err)
	}
	for _, m := range members {
		header := &ar.Header{
			Name:    m.name,
			Size:    int64(len(m.body)),
			Mode:    0644,
			ModTime: time.Unix(1700000000, 0),
		}
		if err := w.WriteHeader(header); err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write(m.body); err != nil {
			t.Fatal(err)
		}
	}
	return buf.Bytes()
}

func TestOpenTarUnsupported(t *testing.T) {
	if _, err := OpenTar("data.tar.zst", bytes.NewReader(nil)); err == nil {
		t.Error("expected an error for an unsupported compression")
	}
}

func TestNewPackageXzMembers(t *testing.T) {
	controlTar := tarBytes(t, map[string]string{
		"./control": "Package: xzdemo\nVersion: 2.0-1\nArchitecture: all\n",
	})
	dataTar := tarBytes(t, map[string]string{
		"./usr/share/xzdemo/greeting": "hello\n",
	})

	raw := arBytes(t, []struct {
		name string
		body []byte
	}{
		{"debian-binary", []byte("2.0\n")},
		{"control.tar.xz", xzBytes(t, controlTar)},
		{"data.tar.xz", xzBytes(t, dataTar)},
	})

	p, err := NewPackage(bytes.NewReader(raw))
	if err != nil {
		t.Fatal(err)
	}
	if p.Metadata.Package != "xzdemo" {
		t.Errorf("Package = %q, want %q", p.Metadata.Package, "xzdemo")
	}
	if p.Metadata.Version != "2.0-1" {
		t.Errorf("Version = %q, want %q", p.Metadata.Version, "2.0-1")
	}
	if len(p.Files) != 1 {
		t.Fatalf("got %d files, want 1", len(p.Files))
	}
	if p.Files[0].DestPath != "/usr/share/xzdemo/greeting" {
		t.Errorf("DestPath = %q", p.Files[0].DestPath)
	}
	if string(p.Files[0].Body) != "hello\n" {
		t.Errorf("body = %q", p.Files[0].Body)
	}
}

func TestNewPackageRejectsUnknownFormatVersion(t *testing.T) {
	raw := arBytes(t, []struct {
		name string
		body []byte
	}{
		{"debian-binary", []byte("3.0\n")},
	})
	if _, err := NewPackage(bytes.NewReader(raw)); err == nil {
		t.Error("expected an error for format version 3.0")
	}
}

func TestParseControlFile(t *testing.T) {
	content := "Package: demo\n" +
		"Version: 1.0-1\n" +
		"Depends: a, b (>= 2)\n" +
		"Description: short synopsis\n" +
		" extended line one\n" +
		" .\n" +
		" extended line two\n"

	fields := parseControlFile(content)

	if fields["Package"] != "demo" {
		t.Errorf("Package = %q", fields["Package"])
	}
	if fields["Version"] != "1.0-1" {
		t.Errorf("Version = %q", fields["Version"])
	}
	if fields["Depends"] != "a, b (>= 2)" {
		t.Errorf("Depends = %q", fields["Depends"])
	}
	want := "short synopsis\nextended line one\n\nextended line two"
	if fields["Description"] != want {
		t.Errorf("Description = %q, want %q", fields["Description"], want)
	}
}

func TestSplitList(t *testing.T) {
	cases := []struct {
		in   string
		want []string
	}{
		{"a, b, c", []string{"a", "b", "c"}},
		{"libc6 (>= 2.34)", []string{"libc6 (>= 2.34)"}},
		{" a ,, b ", []string{"a", "b"}},
		{"", nil},
	}
	for _, c := range cases {
		got := splitList(c.in)
		if fmt.Sprint(got) != fmt.Sprint(c.want) {
			t.Errorf("splitList(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}
