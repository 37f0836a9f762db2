package deb

import (
	"archive/tar"
	"fmt"
	"io"
	"strings"

	"github.com/blakesmith/ar"
	"github.com/klauspost/compress/gzip"
	"github.com/ulikunitz/xz"
)

// OpenTar wraps r in the decompressor matching the member name and returns
// a tar reader over the result. Plain ".tar", gzip ".gz" and xz ".xz"
// members are supported.
func OpenTar(name string, r io.Reader) (*tar.Reader, error) {
	switch {
	case strings.HasSuffix(name, ".tar"):
		return tar.NewReader(r), nil
	case strings.HasSuffix(name, ".gz"):
		gr, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("opening gzip member %s: %w", name, err)
		}
		return tar.NewReader(gr), nil
	case strings.HasSuffix(name, ".xz"):
		xr, err := xz.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("opening xz member %s: %w", name, err)
		}
		return tar.NewReader(xr), nil
	default:
		return nil, fmt.Errorf("unsupported member compression: %s", name)
	}
}

// NewPackage parses a .deb archive into a Package. The md5sums member is
// dropped; it is recomputed at write time.
func NewPackage(r io.Reader) (*Package, error) {
	p := &Package{}
	arReader := ar.NewReader(r)

	var conffiles []string
	for {
		header, err := arReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading ar archive: %w", err)
		}

		name := strings.TrimSuffix(strings.TrimSpace(header.Name), "/")
		switch {
		case name == string(PkgDebianBinary):
			content, err := io.ReadAll(arReader)
			if err != nil {
				return nil, fmt.Errorf("reading %s: %w", name, err)
			}
			if v := strings.TrimSpace(string(content)); v != "2.0" {
				return nil, fmt.Errorf("unsupported deb format version %q", v)
			}
		case strings.HasPrefix(name, "control.tar"):
			tr, err := OpenTar(name, arReader)
			if err != nil {
				return nil, err
			}
			conffiles, err = p.readControl(tr)
			if err != nil {
				return nil, err
			}
		case strings.HasPrefix(name, "data.tar"):
			tr, err := OpenTar(name, arReader)
			if err != nil {
				return nil, err
			}
			if err := p.readData(tr); err != nil {
				return nil, err
			}
		}
	}

	for i := range p.Files {
		for _, conf := range conffiles {
			if p.Files[i].DestPath == conf {
				p.Files[i].IsConf = true
			}
		}
	}
	return p, nil
}

// readControl consumes the control archive, filling metadata and scripts.
// It returns the conffiles list so entries can be marked once the payload
// has been read.
func (p *Package) readControl(tr *tar.Reader) ([]string, error) {
	var conffiles []string
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading control archive: %w", err)
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}
		content, err := io.ReadAll(tr)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", header.Name, err)
		}

		switch ControlFile(strings.TrimPrefix(header.Name, "./")) {
		case FileControl:
			for key, value := range parseControlFile(string(content)) {
				p.Set(key, value)
			}
		case FilePreinst:
			p.Scripts.PreInst = string(content)
		case FilePostinst:
			p.Scripts.PostInst = string(content)
		case FilePrerm:
			p.Scripts.PreRm = string(content)
		case FilePostrm:
			p.Scripts.PostRm = string(content)
		case FileConfig:
			p.Scripts.Config = string(content)
		case FileConffiles:
			for _, line := range strings.Split(string(content), "\n") {
				if line = strings.TrimSpace(line); line != "" {
					conffiles = append(conffiles, line)
				}
			}
		case FileMd5sums:
			// Recomputed at write time.
		default:
			// Not part of the model.
		}
	}
	return conffiles, nil
}

// readData consumes the data archive into payload entries. Directories are
// implied by their contents and not stored.
func (p *Package) readData(tr *tar.Reader) error {
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading data archive: %w", err)
		}

		destPath := "/" + strings.TrimPrefix(header.Name, "./")
		destPath = strings.ReplaceAll(destPath, "//", "/")

		switch header.Typeflag {
		case tar.TypeReg:
			body, err := io.ReadAll(tr)
			if err != nil {
				return fmt.Errorf("reading %s: %w", header.Name, err)
			}
			p.Files = append(p.Files, File{
				DestPath: destPath,
				Mode:     header.Mode,
				Body:     body,
				ModTime:  header.ModTime,
			})
		case tar.TypeSymlink:
			p.Files = append(p.Files, File{
				DestPath:   destPath,
				Mode:       header.Mode,
				LinkTarget: header.Linkname,
				ModTime:    header.ModTime,
			})
		}
	}
}

// parseControlFile parses control-file syntax into a field map, folding
// continuation lines back into their field value. A continuation holding a
// lone "." stands for a blank line.
//
// Reference: https://www.debian.org/doc/debian-policy/ch-controlfields.html#syntax-of-control-files
func parseControlFile(content string) map[string]string {
	fields := make(map[string]string)

	var currentKey string
	var currentValue strings.Builder
	flush := func() {
		if currentKey != "" {
			fields[currentKey] = currentValue.String()
		}
		currentKey = ""
		currentValue.Reset()
	}

	for _, line := range strings.Split(content, "\n") {
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t") {
			if currentKey == "" {
				continue
			}
			rest := line[1:]
			if strings.TrimSpace(rest) == "." {
				currentValue.WriteString("\n")
			} else {
				currentValue.WriteString("\n" + rest)
			}
			continue
		}
		flush()
		key, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		currentKey = strings.TrimSpace(key)
		currentValue.WriteString(strings.TrimSpace(value))
	}
	flush()

	return fields
}

// splitList splits a comma separated relationship value into its entries.
func splitList(value string) []string {
	var items []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}
