package plan

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/etnz/upstream-deb/deb"
)

// ripTestTree lays out a miniature upstream release tree.
func ripTestTree(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	write := func(rel, content string, mode os.FileMode) {
		t.Helper()
		p := filepath.Join(root, rel)
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
		if err := os.Chmod(p, mode); err != nil {
			t.Fatal(err)
		}
	}
	write("bin/demo", "#!/bin/sh\n", 0755)
	write("man/man1/demo.1", ".TH DEMO 1\n", 0644)
	write("man/man1/demo-extra.1", ".TH DEMO-EXTRA 1\n", 0644)
	write("man/man7/demo-topics.7", ".TH DEMO-TOPICS 7\n", 0644)
	write("share/demo-1.0/module.txt", "module\n", 0644)
	write("share/demo-1.0/sub/data.txt", "data\n", 0644)
	write("doc/demo.conf", "default=1\n", 0644)
	if err := os.Symlink("module.txt", filepath.Join(root, "share/demo-1.0/module-link")); err != nil {
		t.Fatal(err)
	}
	return root
}

func ripOne(t *testing.T, root string, rule RipRule, engine *templateEngine) []deb.File {
	t.Helper()
	files, err := ripFiles(root, []RipRule{rule}, engine)
	if err != nil {
		t.Fatalf("ripFiles failed: %v", err)
	}
	return files
}

func TestRipBin(t *testing.T) {
	root := ripTestTree(t)
	files := ripOne(t, root, RipRule{Bin: "demo"}, newTemplateEngine(nil))
	if len(files) != 1 {
		t.Fatalf("expected 1 file, got %d", len(files))
	}
	f := files[0]
	if f.DestPath != "/usr/bin/demo" {
		t.Errorf("unexpected destination %q", f.DestPath)
	}
	if f.Mode != 0755 {
		t.Errorf("expected mode 0755, got %o", f.Mode)
	}
	if string(f.Body) != "#!/bin/sh\n" {
		t.Errorf("unexpected body %q", f.Body)
	}
}

func TestRipManPage(t *testing.T) {
	root := ripTestTree(t)
	files := ripOne(t, root, RipRule{Man: "demo.1"}, newTemplateEngine(nil))
	if len(files) != 1 || files[0].DestPath != "/usr/share/man/man1/demo.1" {
		t.Fatalf("unexpected files %+v", files)
	}

	// The section directory is read from the page extension.
	files = ripOne(t, root, RipRule{Man: "demo-topics.7"}, newTemplateEngine(nil))
	if len(files) != 1 || files[0].DestPath != "/usr/share/man/man7/demo-topics.7" {
		t.Fatalf("unexpected files %+v", files)
	}
}

func TestRipManSection(t *testing.T) {
	root := ripTestTree(t)
	files := ripOne(t, root, RipRule{Man: "man1"}, newTemplateEngine(nil))
	if len(files) != 2 {
		t.Fatalf("expected the whole section, got %d files", len(files))
	}
	got := map[string]bool{}
	for _, f := range files {
		got[f.DestPath] = true
	}
	if !got["/usr/share/man/man1/demo.1"] || !got["/usr/share/man/man1/demo-extra.1"] {
		t.Errorf("unexpected section content %v", got)
	}
}

func TestRipManWithoutSection(t *testing.T) {
	root := ripTestTree(t)
	_, err := ripFiles(root, []RipRule{{Man: "demo"}}, newTemplateEngine(nil))
	if err == nil || !strings.Contains(err.Error(), "section") {
		t.Errorf("expected a section error, got: %v", err)
	}
}

func TestRipDir(t *testing.T) {
	root := ripTestTree(t)
	files := ripOne(t, root, RipRule{Dir: "share/demo-1.0"}, newTemplateEngine(nil))

	byPath := map[string]deb.File{}
	for _, f := range files {
		byPath[f.DestPath] = f
	}
	if len(byPath) != 3 {
		t.Fatalf("expected 3 entries, got %v", byPath)
	}
	if f, ok := byPath["/usr/share/demo-1.0/module.txt"]; !ok || string(f.Body) != "module\n" {
		t.Errorf("missing or wrong module.txt: %+v", f)
	}
	if _, ok := byPath["/usr/share/demo-1.0/sub/data.txt"]; !ok {
		t.Error("missing nested entry sub/data.txt")
	}
	if f, ok := byPath["/usr/share/demo-1.0/module-link"]; !ok || f.LinkTarget != "module.txt" {
		t.Errorf("expected the symlink to be carried, got %+v", f)
	}
}

func TestRipSrc(t *testing.T) {
	root := ripTestTree(t)
	files := ripOne(t, root, RipRule{Src: "doc/demo.conf", Dst: "/etc/demo/demo.conf"}, newTemplateEngine(nil))
	if len(files) != 1 || files[0].DestPath != "/etc/demo/demo.conf" {
		t.Fatalf("unexpected files %+v", files)
	}
}

func TestRipModeAndConffile(t *testing.T) {
	root := ripTestTree(t)
	rule := RipRule{Src: "doc/demo.conf", Dst: "/etc/demo/demo.conf", Mode: "0600", Conffile: true}
	files := ripOne(t, root, rule, newTemplateEngine(nil))
	f := files[0]
	if f.Mode != 0600 {
		t.Errorf("expected mode override 0600, got %o", f.Mode)
	}
	if !f.IsConf {
		t.Error("expected the conffile flag")
	}
}

func TestRipTemplates(t *testing.T) {
	root := ripTestTree(t)
	engine := newTemplateEngine(nil).withVersion("1.0.0")
	files := ripOne(t, root, RipRule{Dir: "share/demo-{{.Major}}.{{.Minor}}"}, engine)
	if len(files) != 3 {
		t.Errorf("expected the templated dir to resolve, got %d files", len(files))
	}
}

func TestRipMissingSource(t *testing.T) {
	root := ripTestTree(t)
	_, err := ripFiles(root, []RipRule{{Bin: "absent"}}, newTemplateEngine(nil))
	if err == nil || !strings.Contains(err.Error(), "rip rule 0") {
		t.Errorf("expected a rule-indexed error, got: %v", err)
	}
}

func TestManSectionFromExtension(t *testing.T) {
	cases := []struct{ page, want string }{
		{"cmake.1", "man1"},
		{"demo-topics.7", "man7"},
	}
	for _, c := range cases {
		got, err := manSection(c.page)
		if err != nil || got != c.want {
			t.Errorf("manSection(%q) = %q, %v, expected %q", c.page, got, err, c.want)
		}
	}
	for _, page := range []string{"demo", "demo.10", "demo.x", "demo.0"} {
		if _, err := manSection(page); err == nil {
			t.Errorf("manSection(%q): expected an error", page)
		}
	}
}

func TestIsManSection(t *testing.T) {
	cases := []struct {
		name string
		want bool
	}{
		{"man1", true},
		{"man9", true},
		{"man0", false},
		{"man", false},
		{"manual", false},
		{"man12", false},
	}
	for _, c := range cases {
		if got := isManSection(c.name); got != c.want {
			t.Errorf("isManSection(%q) = %v, expected %v", c.name, got, c.want)
		}
	}
}
