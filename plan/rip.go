package plan

import (
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/etnz/upstream-deb/deb"
)

// ripFiles resolves a package's rip rules against the extracted tree root
// and returns its payload entries.
func ripFiles(root string, rules []RipRule, engine *templateEngine) ([]deb.File, error) {
	var files []deb.File
	for i := range rules {
		ripped, err := ripRule(root, &rules[i], engine)
		if err != nil {
			return nil, fmt.Errorf("rip rule %d: %w", i, err)
		}
		files = append(files, ripped...)
	}
	return files, nil
}

func ripRule(root string, rule *RipRule, engine *templateEngine) ([]deb.File, error) {
	var files []deb.File
	switch {
	case rule.Bin != "":
		name, err := engine.render("bin", rule.Bin)
		if err != nil {
			return nil, err
		}
		f, err := deb.ReadFile(filepath.Join(root, "bin", name), path.Join("/usr/bin", name))
		if err != nil {
			return nil, err
		}
		files = append(files, f)

	case rule.Man != "":
		name, err := engine.render("man", rule.Man)
		if err != nil {
			return nil, err
		}
		if isManSection(name) {
			srcDir := filepath.Join(root, "man", name)
			entries, err := os.ReadDir(srcDir)
			if err != nil {
				return nil, err
			}
			for _, entry := range entries {
				if entry.IsDir() {
					continue
				}
				f, err := deb.ReadFile(filepath.Join(srcDir, entry.Name()), path.Join("/usr/share/man", name, entry.Name()))
				if err != nil {
					return nil, err
				}
				files = append(files, f)
			}
		} else {
			section, err := manSection(name)
			if err != nil {
				return nil, err
			}
			f, err := deb.ReadFile(filepath.Join(root, "man", section, name), path.Join("/usr/share/man", section, name))
			if err != nil {
				return nil, err
			}
			files = append(files, f)
		}

	case rule.Dir != "":
		dir, err := engine.render("dir", rule.Dir)
		if err != nil {
			return nil, err
		}
		ripped, err := ripTree(filepath.Join(root, dir), path.Join("/usr", dir))
		if err != nil {
			return nil, err
		}
		files = append(files, ripped...)

	case rule.Src != "":
		src, err := engine.render("src", rule.Src)
		if err != nil {
			return nil, err
		}
		dst, err := engine.render("dst", rule.Dst)
		if err != nil {
			return nil, err
		}
		f, err := deb.ReadFile(filepath.Join(root, src), dst)
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}

	if rule.Mode != "" {
		mode, err := strconv.ParseInt(rule.Mode, 8, 64)
		if err != nil {
			return nil, fmt.Errorf("parsing mode %q: %w", rule.Mode, err)
		}
		for i := range files {
			files[i].Mode = mode
		}
	}
	if rule.Conffile {
		for i := range files {
			files[i].IsConf = true
		}
	}
	return files, nil
}

// ripTree reads every file under srcDir, mapping it below destDir.
// Directories are implied; symlinks are carried as symlinks.
func ripTree(srcDir, destDir string) ([]deb.File, error) {
	var files []deb.File
	err := filepath.WalkDir(srcDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(srcDir, p)
		if err != nil {
			return err
		}
		f, err := deb.ReadFile(p, path.Join(destDir, filepath.ToSlash(rel)))
		if err != nil {
			return err
		}
		files = append(files, f)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

func isManSection(name string) bool {
	return len(name) == 4 && strings.HasPrefix(name, "man") && name[3] >= '1' && name[3] <= '9'
}

// manSection derives the section directory from a page extension:
// "cmake.1" lives in man1.
func manSection(page string) (string, error) {
	ext := filepath.Ext(page)
	if len(ext) != 2 || ext[1] < '1' || ext[1] > '9' {
		return "", fmt.Errorf("man page %q has no section extension", page)
	}
	return "man" + ext[1:], nil
}
