package deb

import (
	"archive/tar"
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/blakesmith/ar"
	"github.com/klauspost/compress/gzip"
)

// Package is the full definition of a Debian binary package: control
// metadata, maintainer scripts and the installed payload.
type Package struct {
	Metadata Metadata
	Scripts  Scripts
	Files    []File

	// Stamp is the timestamp written into the ar members and the control
	// archive entries. Builds sharing inputs and Stamp serialize to
	// identical bytes; when zero, the current time is used and output
	// differs between runs.
	Stamp time.Time
}

// Metadata holds the fields of the Debian 'control' file.
//
// Reference: https://www.debian.org/doc/debian-policy/ch-controlfields.html#binary-package-control-files-debian-control
type Metadata struct {
	// Package is the binary package name: lower case letters, digits and
	// the characters +-. only, starting with an alphanumeric.
	//
	// Reference: https://www.debian.org/doc/debian-policy/ch-controlfields.html#s-f-package
	Package string

	// Version has the form [epoch:]upstream_version[-debian_revision].
	//
	// Reference: https://www.debian.org/doc/debian-policy/ch-controlfields.html#s-f-version
	Version string

	// Architecture the payload was built for ("amd64", "arm64"), or "all"
	// for architecture-independent packages.
	//
	// Reference: https://www.debian.org/doc/debian-policy/ch-controlfields.html#s-f-architecture
	Architecture string

	// Maintainer in "Name <email>" form.
	//
	// Reference: https://www.debian.org/doc/debian-policy/ch-controlfields.html#s-f-maintainer
	Maintainer string

	// Description carries the synopsis on its first line and the extended
	// description on the following ones. The indentation and blank-line
	// rules of the control format are applied at serialization time.
	//
	// Reference: https://www.debian.org/doc/debian-policy/ch-controlfields.html#s-f-description
	Description string

	// Section classifies the package ("utils", "devel", "doc", ...).
	//
	// Reference: https://www.debian.org/doc/debian-policy/ch-controlfields.html#s-f-section
	Section string

	// Priority of the package, normally "optional".
	//
	// Reference: https://www.debian.org/doc/debian-policy/ch-controlfields.html#s-f-priority
	Priority string

	// Homepage of the upstream project.
	//
	// Reference: https://www.debian.org/doc/debian-policy/ch-controlfields.html#s-f-homepage
	Homepage string

	// Essential marks packages the system cannot function without; dpkg
	// refuses to remove them without force.
	//
	// Reference: https://www.debian.org/doc/debian-policy/ch-controlfields.html#s-f-essential
	Essential bool

	// Relationship fields. Each entry is a single relation, possibly with
	// a version restriction, e.g. "libc6 (>= 2.34)".
	//
	// Reference: https://www.debian.org/doc/debian-policy/ch-relationships.html
	Depends    []string
	PreDepends []string
	Recommends []string
	Suggests   []string
	Enhances   []string
	Conflicts  []string
	Breaks     []string
	Replaces   []string
	Provides   []string

	// BuiltUsing records source packages incorporated at build time.
	//
	// Reference: https://www.debian.org/doc/debian-policy/ch-controlfields.html#s-f-built-using
	BuiltUsing string

	// Source names the source package when it differs from Package.
	//
	// Reference: https://www.debian.org/doc/debian-policy/ch-controlfields.html#s-f-source
	Source string

	// ExtraFields carries non-standard fields into the control file
	// verbatim, in key order.
	//
	// Reference: https://www.debian.org/doc/debian-policy/ch-controlfields.html#user-defined-fields
	ExtraFields map[string]string
}

// Scripts holds the maintainer scripts dpkg runs around installation and
// removal. Empty scripts are omitted from the package.
//
// Reference: https://www.debian.org/doc/debian-policy/ch-maintainerscripts.html
type Scripts struct {
	// PreInst runs before the payload is unpacked.
	PreInst string
	// PostInst runs after unpacking, typically to finish setup.
	PostInst string
	// PreRm runs before removal.
	PreRm string
	// PostRm runs after removal.
	PostRm string
	// Config is the debconf configuration script.
	Config string
}

// File is one payload entry, usually ripped from an extracted upstream tree.
type File struct {
	// DestPath is the absolute install path on the target system, e.g.
	// "/usr/bin/cmake".
	DestPath string

	// Mode is the permission mode written to the archive.
	Mode int64

	// Body is the file content. Ignored for symlinks.
	Body []byte

	// LinkTarget, when non-empty, makes this entry a symbolic link
	// pointing at LinkTarget instead of a regular file.
	LinkTarget string

	// IsConf lists the file in conffiles, so dpkg preserves local edits
	// across upgrades.
	//
	// Reference: https://www.debian.org/doc/debian-policy/ch-files.html#s-config-files
	IsConf bool

	// ModTime is stored in the archive; zero falls back to the package
	// Stamp.
	ModTime time.Time
}

// ReadFile builds a payload entry from a file on disk, keeping its mode and
// modification time. Symlinks are carried as symlinks, not dereferenced.
func ReadFile(srcPath, destPath string) (File, error) {
	info, err := os.Lstat(srcPath)
	if err != nil {
		return File{}, fmt.Errorf("reading %s: %w", srcPath, err)
	}

	if info.Mode()&os.ModeSymlink != 0 {
		target, err := os.Readlink(srcPath)
		if err != nil {
			return File{}, fmt.Errorf("reading link %s: %w", srcPath, err)
		}
		return File{
			DestPath:   destPath,
			Mode:       0777,
			LinkTarget: target,
			ModTime:    info.ModTime(),
		}, nil
	}
	if !info.Mode().IsRegular() {
		return File{}, fmt.Errorf("%s is not a regular file", srcPath)
	}

	body, err := os.ReadFile(srcPath)
	if err != nil {
		return File{}, fmt.Errorf("reading %s: %w", srcPath, err)
	}
	return File{
		DestPath: destPath,
		Mode:     int64(info.Mode().Perm()),
		Body:     body,
		ModTime:  info.ModTime(),
	}, nil
}

// StandardFilename returns the canonical filename for the package:
// {Package}_{Version}_{Architecture}.deb
//
// Reference: https://www.debian.org/doc/manuals/debian-faq/ch-pkg_basics.en.html#s-pkgname
func (p *Package) StandardFilename() string {
	return fmt.Sprintf("%s_%s_%s.deb", p.Metadata.Package, p.Metadata.Version, p.Metadata.Architecture)
}

// Set updates one control field by its name in the control file. Unknown
// fields land in ExtraFields.
func (p *Package) Set(key, value string) {
	switch ControlField(key) {
	case FieldPackage:
		p.Metadata.Package = value
	case FieldVersion:
		p.Metadata.Version = value
	case FieldArchitecture:
		p.Metadata.Architecture = value
	case FieldMaintainer:
		p.Metadata.Maintainer = value
	case FieldDescription:
		p.Metadata.Description = value
	case FieldSection:
		p.Metadata.Section = value
	case FieldPriority:
		p.Metadata.Priority = value
	case FieldHomepage:
		p.Metadata.Homepage = value
	case FieldEssential:
		p.Metadata.Essential = (value == "yes")
	case FieldDepends:
		p.Metadata.Depends = splitList(value)
	case FieldPreDepends:
		p.Metadata.PreDepends = splitList(value)
	case FieldRecommends:
		p.Metadata.Recommends = splitList(value)
	case FieldSuggests:
		p.Metadata.Suggests = splitList(value)
	case FieldEnhances:
		p.Metadata.Enhances = splitList(value)
	case FieldConflicts:
		p.Metadata.Conflicts = splitList(value)
	case FieldBreaks:
		p.Metadata.Breaks = splitList(value)
	case FieldReplaces:
		p.Metadata.Replaces = splitList(value)
	case FieldProvides:
		p.Metadata.Provides = splitList(value)
	case FieldBuiltUsing:
		p.Metadata.BuiltUsing = value
	case FieldSource:
		p.Metadata.Source = value
	case FieldInstalledSize:
		// Computed from the payload at serialization time.
	default:
		if p.Metadata.ExtraFields == nil {
			p.Metadata.ExtraFields = make(map[string]string)
		}
		p.Metadata.ExtraFields[key] = value
	}
}

// WriteTo serializes the .deb archive and reports the bytes written,
// satisfying io.WriterTo.
func (p *Package) WriteTo(w io.Writer) (int64, error) {
	stamp := p.Stamp
	if stamp.IsZero() {
		stamp = time.Now()
	}

	// Data member first: the control member needs its md5sums and the
	// installed size.
	dataBuf := new(bytes.Buffer)
	md5Map, installedSize, err := p.buildDataArchive(dataBuf, stamp)
	if err != nil {
		return 0, fmt.Errorf("building data archive: %w", err)
	}

	controlBuf := new(bytes.Buffer)
	if err := p.buildControlArchive(controlBuf, md5Map, installedSize, stamp); err != nil {
		return 0, fmt.Errorf("building control archive: %w", err)
	}

	cw := &countingWriter{w: w}
	arW := ar.NewWriter(cw)
	if err := arW.WriteGlobalHeader(); err != nil {
		return cw.n, fmt.Errorf("writing ar global header: %w", err)
	}

	// Member order is mandated: debian-binary, control, data.
	// Reference: https://manpages.debian.org/unstable/dpkg-dev/deb.5.en.html#FORMAT
	members := []struct {
		name PackageFile
		body []byte
	}{
		{PkgDebianBinary, []byte("2.0\n")},
		{PkgControlTarGz, controlBuf.Bytes()},
		{PkgDataTarGz, dataBuf.Bytes()},
	}
	for _, m := range members {
		if err := addArMember(arW, string(m.name), m.body, stamp); err != nil {
			return cw.n, fmt.Errorf("writing %s: %w", m.name, err)
		}
	}

	return cw.n, nil
}

// buildDataArchive writes data.tar.gz and reports the md5 of every regular
// file plus the total payload size in bytes.
func (p *Package) buildDataArchive(w io.Writer, stamp time.Time) (map[string]string, int64, error) {
	gw := gzip.NewWriter(w)
	tw := tar.NewWriter(gw)

	md5Map := make(map[string]string)
	var installedSize int64

	for _, file := range p.Files {
		// data.tar paths are relative, anchored at "./".
		relPath := strings.TrimPrefix(file.DestPath, "/")
		if !strings.HasPrefix(relPath, "./") {
			relPath = "./" + relPath
		}
		modTime := file.ModTime
		if modTime.IsZero() {
			modTime = stamp
		}

		if file.LinkTarget != "" {
			mode := file.Mode
			if mode == 0 {
				mode = 0777
			}
			header := &tar.Header{
				Typeflag: tar.TypeSymlink,
				Name:     relPath,
				Linkname: file.LinkTarget,
				Mode:     mode,
				ModTime:  modTime,
			}
			if err := tw.WriteHeader(header); err != nil {
				return nil, 0, err
			}
			continue
		}

		hash := md5.Sum(file.Body)
		md5Map[file.DestPath] = hex.EncodeToString(hash[:])

		size := int64(len(file.Body))
		installedSize += size

		header := &tar.Header{
			Name:    relPath,
			Size:    size,
			Mode:    file.Mode,
			ModTime: modTime,
		}
		if err := tw.WriteHeader(header); err != nil {
			return nil, 0, err
		}
		if _, err := tw.Write(file.Body); err != nil {
			return nil, 0, err
		}
	}

	if err := tw.Close(); err != nil {
		return nil, 0, err
	}
	return md5Map, installedSize, gw.Close()
}

// buildControlArchive writes control.tar.gz. Entries appear in a fixed
// order so the member is reproducible.
func (p *Package) buildControlArchive(w io.Writer, md5Map map[string]string, installedSize int64, stamp time.Time) error {
	gw := gzip.NewWriter(w)
	tw := tar.NewWriter(gw)

	writeEntry := func(name ControlFile, content []byte, mode int64) error {
		header := &tar.Header{
			Name:    "./" + string(name),
			Size:    int64(len(content)),
			Mode:    mode,
			ModTime: stamp,
		}
		if err := tw.WriteHeader(header); err != nil {
			return err
		}
		_, err := tw.Write(content)
		return err
	}

	control := p.generateControlFile(installedSize)
	if err := writeEntry(FileControl, []byte(control), 0644); err != nil {
		return fmt.Errorf("writing control: %w", err)
	}

	md5sums := p.generateMd5sums(md5Map)
	if err := writeEntry(FileMd5sums, []byte(md5sums), 0644); err != nil {
		return fmt.Errorf("writing md5sums: %w", err)
	}

	var conffiles []string
	for _, f := range p.Files {
		if f.IsConf {
			conffiles = append(conffiles, f.DestPath)
		}
	}
	if len(conffiles) > 0 {
		content := strings.Join(conffiles, "\n") + "\n"
		if err := writeEntry(FileConffiles, []byte(content), 0644); err != nil {
			return fmt.Errorf("writing conffiles: %w", err)
		}
	}

	scripts := []struct {
		name ControlFile
		body string
	}{
		{FilePreinst, p.Scripts.PreInst},
		{FilePostinst, p.Scripts.PostInst},
		{FilePrerm, p.Scripts.PreRm},
		{FilePostrm, p.Scripts.PostRm},
		{FileConfig, p.Scripts.Config},
	}
	for _, s := range scripts {
		if s.body == "" {
			continue
		}
		if err := writeEntry(s.name, []byte(s.body), 0755); err != nil {
			return fmt.Errorf("writing %s: %w", s.name, err)
		}
	}

	if err := tw.Close(); err != nil {
		return err
	}
	return gw.Close()
}

func (p *Package) generateControlFile(installedBytes int64) string {
	var b strings.Builder

	writeField := func(field ControlField, value string) {
		if value != "" {
			fmt.Fprintf(&b, "%s: %s\n", field, value)
		}
	}

	// Mandatory fields
	writeField(FieldPackage, p.Metadata.Package)
	writeField(FieldVersion, p.Metadata.Version)
	writeField(FieldArchitecture, p.Metadata.Architecture)
	writeField(FieldMaintainer, p.Metadata.Maintainer)

	// Installed-Size is in kilobytes, rounded up.
	kbytes := (installedBytes + 1023) / 1024
	writeField(FieldInstalledSize, fmt.Sprintf("%d", kbytes))

	writeField(FieldSection, p.Metadata.Section)
	writeField(FieldPriority, p.Metadata.Priority)
	writeField(FieldHomepage, p.Metadata.Homepage)

	if p.Metadata.Essential {
		writeField(FieldEssential, "yes")
	}

	writeRel := func(field ControlField, items []string) {
		if len(items) > 0 {
			writeField(field, strings.Join(items, ", "))
		}
	}
	writeRel(FieldDepends, p.Metadata.Depends)
	writeRel(FieldPreDepends, p.Metadata.PreDepends)
	writeRel(FieldRecommends, p.Metadata.Recommends)
	writeRel(FieldSuggests, p.Metadata.Suggests)
	writeRel(FieldEnhances, p.Metadata.Enhances)
	writeRel(FieldConflicts, p.Metadata.Conflicts)
	writeRel(FieldBreaks, p.Metadata.Breaks)
	writeRel(FieldReplaces, p.Metadata.Replaces)
	writeRel(FieldProvides, p.Metadata.Provides)

	writeField(FieldBuiltUsing, p.Metadata.BuiltUsing)
	writeField(FieldSource, p.Metadata.Source)

	// Extra fields in key order, for stable output.
	extraKeys := make([]string, 0, len(p.Metadata.ExtraFields))
	for k := range p.Metadata.ExtraFields {
		extraKeys = append(extraKeys, k)
	}
	sort.Strings(extraKeys)
	for _, k := range extraKeys {
		writeField(ControlField(k), p.Metadata.ExtraFields[k])
	}

	// Description last: its extended body must directly follow the field.
	if p.Metadata.Description != "" {
		lines := strings.Split(p.Metadata.Description, "\n")
		writeField(FieldDescription, lines[0])
		for _, line := range lines[1:] {
			if strings.TrimSpace(line) == "" {
				fmt.Fprintf(&b, " .\n")
			} else if strings.HasPrefix(line, " ") {
				fmt.Fprintf(&b, "%s\n", line)
			} else {
				fmt.Fprintf(&b, " %s\n", line)
			}
		}
	}

	return b.String()
}

func (p *Package) generateMd5sums(md5Map map[string]string) string {
	paths := make([]string, 0, len(md5Map))
	for path := range md5Map {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	var b strings.Builder
	for _, path := range paths {
		// md5sums paths are written without the leading slash.
		fmt.Fprintf(&b, "%s  %s\n", md5Map[path], strings.TrimPrefix(path, "/"))
	}
	return b.String()
}

// addArMember writes one named member into the ar container.
func addArMember(w *ar.Writer, name string, body []byte, stamp time.Time) error {
	header := &ar.Header{
		Name:    name,
		Size:    int64(len(body)),
		Mode:    0644,
		ModTime: stamp,
	}
	if err := w.WriteHeader(header); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

// countingWriter wraps an io.Writer and counts the bytes that went through,
// backing the io.WriterTo return value.
type countingWriter struct {
	w io.Writer
	n int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}
