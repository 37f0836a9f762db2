package plan

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/etnz/upstream-deb/apt"
	"github.com/etnz/upstream-deb/deb"
	"github.com/etnz/upstream-deb/extract"
	"github.com/etnz/upstream-deb/fetch"
	"github.com/etnz/upstream-deb/release"
	"github.com/etnz/upstream-deb/trust"
)

// BuildOptions parameterizes one build run.
type BuildOptions struct {
	// OutDir receives the built .deb files plus the downloads/ and tree/
	// working directories. Empty means the current directory.
	OutDir string
	// Master indexes the already-published packages. Builds matching a
	// published package's content are skipped; builds differing under an
	// already-published version get their revision bumped. Nil disables
	// both and every package is built at revision 1.
	Master *apt.PackageIndex
	// Client queries the release API. Nil means an anonymous client.
	Client *release.Client
	// IgnoreSizeMismatch downgrades the archive trailer size check to a
	// warning event.
	IgnoreSizeMismatch bool
	// Listener receives progress events. May be nil.
	Listener Listener
}

// Result reports what Build did for one package entry.
type Result struct {
	Package      string
	Version      string
	Architecture string
	// Path of the written .deb, empty when Skipped.
	Path    string
	Skipped bool
}

// Build runs the plan end to end: resolve the newest qualifying upstream
// release, download and verify it, extract it, then rip and serialize one
// .deb per package entry. Results come back in plan order.
func (p *Plan) Build(ctx context.Context, opts BuildOptions) ([]Result, error) {
	emit := func(event fmt.Stringer) {
		if opts.Listener != nil {
			opts.Listener(event)
		}
	}
	if opts.OutDir == "" {
		opts.OutDir = "."
	}

	spec, err := p.TargetSpec()
	if err != nil {
		return nil, err
	}
	client := opts.Client
	if client == nil {
		client, err = release.NewClient(release.Config{Listener: opts.Listener})
		if err != nil {
			return nil, err
		}
	}
	target, err := client.LatestTarget(ctx, p.Upstream.Repo, spec)
	if err != nil {
		return nil, err
	}
	emit(EventTargetResolved{Repo: p.Upstream.Repo, Version: target.Version, Prerelease: target.Prerelease})

	store, err := p.loadTrustStore(ctx)
	if err != nil {
		return nil, err
	}

	downloadDir := filepath.Join(opts.OutDir, "downloads")
	treeDir := filepath.Join(opts.OutDir, "tree")
	for _, dir := range []string{downloadDir, treeDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("plan: creating %s: %w", dir, err)
		}
	}

	var licenseURL string
	if p.License != "" {
		if resolved := p.resolve(p.License); strings.HasPrefix(resolved, "http://") || strings.HasPrefix(resolved, "https://") {
			licenseURL = resolved
		}
	}

	pipeline := &fetch.Pipeline{
		Store:    store,
		Dir:      downloadDir,
		Listener: opts.Listener,
	}
	if licenseURL != "" {
		pipeline.ExtraURLs = []string{licenseURL}
	}
	archivePath, err := pipeline.FetchAndVerify(ctx, target, p.Trust.Fingerprint)
	if err != nil {
		return nil, err
	}

	summary, err := extract.Extract(archivePath, treeDir, &extract.Options{
		IgnoreSizeMismatch: opts.IgnoreSizeMismatch,
		Listener:           opts.Listener,
	})
	if err != nil {
		return nil, err
	}

	engine := p.engine.withVersion(target.Version)
	root, err := p.treeRoot(treeDir, engine)
	if err != nil {
		return nil, err
	}
	emit(EventExtract{Root: root, Files: summary.Files, Bytes: summary.Bytes})

	licenseText, err := p.licenseText(licenseURL, downloadDir)
	if err != nil {
		return nil, err
	}

	var results []Result
	for i := range p.Packages {
		def := &p.Packages[i]
		result, err := p.buildPackage(def, root, licenseText, target, engine, opts, emit)
		if err != nil {
			return nil, fmt.Errorf("plan: package %s: %w", def.Name, err)
		}
		results = append(results, *result)
	}
	return results, nil
}

// loadTrustStore reads the keyring the plan points at, from a file or a
// URL.
func (p *Plan) loadTrustStore(ctx context.Context) (*trust.Store, error) {
	keyring := p.resolve(p.Trust.Keyring)
	if strings.HasPrefix(keyring, "http://") || strings.HasPrefix(keyring, "https://") {
		data, err := fetch.Bytes(ctx, nil, keyring)
		if err != nil {
			return nil, err
		}
		return trust.NewStore(bytes.NewReader(data))
	}
	return trust.LoadStore(keyring)
}

// treeRoot locates the top of the extracted tree: the rendered Root entry
// when the plan sets one, otherwise the single directory the archive
// unpacked to.
func (p *Plan) treeRoot(treeDir string, engine *templateEngine) (string, error) {
	if p.Root != "" {
		name, err := engine.render("root", p.Root)
		if err != nil {
			return "", err
		}
		root := filepath.Join(treeDir, name)
		info, err := os.Stat(root)
		if err != nil {
			return "", fmt.Errorf("plan: tree root: %w", err)
		}
		if !info.IsDir() {
			return "", fmt.Errorf("plan: tree root %s is not a directory", root)
		}
		return root, nil
	}

	entries, err := os.ReadDir(treeDir)
	if err != nil {
		return "", err
	}
	var dirs []string
	for _, entry := range entries {
		if entry.IsDir() {
			dirs = append(dirs, entry.Name())
		}
	}
	if len(dirs) != 1 {
		return "", fmt.Errorf("plan: %d top-level directories in the extracted tree, set root to pick one", len(dirs))
	}
	return filepath.Join(treeDir, dirs[0]), nil
}

// licenseText returns the upstream license body, read back from the
// download directory when it came from a URL.
func (p *Plan) licenseText(licenseURL, downloadDir string) (string, error) {
	if p.License == "" {
		return "", nil
	}
	if licenseURL != "" {
		parsed, err := url.Parse(licenseURL)
		if err != nil {
			return "", fmt.Errorf("plan: license url: %w", err)
		}
		data, err := os.ReadFile(filepath.Join(downloadDir, path.Base(parsed.Path)))
		if err != nil {
			return "", fmt.Errorf("plan: license: %w", err)
		}
		return string(data), nil
	}
	return p.loadResource(p.License, true, nil)
}

func (p *Plan) buildPackage(def *PackageDef, root, licenseText string, target release.ReleaseTarget, engine *templateEngine, opts BuildOptions, emit func(fmt.Stringer)) (*Result, error) {
	engine = engine.sub(def.Defines)

	files, err := ripFiles(root, def.Rip, engine)
	if err != nil {
		return nil, err
	}
	if licenseText != "" {
		files = append(files, deb.File{
			DestPath: path.Join("/usr/share/doc", def.Name, "copyright"),
			Mode:     0644,
			Body:     []byte(licenseText),
		})
	}

	pkg := &deb.Package{Files: files, Stamp: target.PublishedAt}
	if err := p.fillMetadata(pkg, def, engine); err != nil {
		return nil, err
	}
	if err := p.fillScripts(pkg, def, engine); err != nil {
		return nil, err
	}

	version := target.Version + "-1"
	if opts.Master != nil {
		published := opts.Master.ByUpstream(def.Name, target.Version, def.Architecture)
		if len(published) > 0 {
			latest := published[0]
			// Hash the candidate at the published version: the version is
			// part of the control file, so the comparison must hold it
			// fixed.
			pkg.Metadata.Version = latest.Version
			var buf bytes.Buffer
			if _, err := pkg.WriteTo(&buf); err != nil {
				return nil, err
			}
			candidate, err := apt.ContentHashFrom(bytes.NewReader(buf.Bytes()))
			if err != nil {
				return nil, err
			}
			current, err := latest.ContentHash()
			if err != nil {
				return nil, err
			}
			if candidate == current {
				emit(EventPackageWrite{Package: def.Name, Version: latest.Version, Architecture: def.Architecture, Skipped: true})
				return &Result{Package: def.Name, Version: latest.Version, Architecture: def.Architecture, Skipped: true}, nil
			}
			version = deb.BumpVersion(latest.Version)
			emit(EventVersionBump{Package: def.Name, PreviousVersion: latest.Version, Version: version})
		}
	}
	pkg.Metadata.Version = version

	outPath := filepath.Join(opts.OutDir, pkg.StandardFilename())
	f, err := os.Create(outPath)
	if err != nil {
		return nil, err
	}
	if _, err := pkg.WriteTo(f); err != nil {
		f.Close()
		return nil, err
	}
	if err := f.Close(); err != nil {
		return nil, err
	}
	emit(EventPackageWrite{Package: def.Name, Version: version, Architecture: def.Architecture, Path: outPath})
	return &Result{Package: def.Name, Version: version, Architecture: def.Architecture, Path: outPath}, nil
}

func (p *Plan) fillMetadata(pkg *deb.Package, def *PackageDef, engine *templateEngine) error {
	m := &pkg.Metadata
	m.Package = def.Name
	m.Architecture = def.Architecture
	m.Maintainer = p.Maintainer
	m.Section = def.Section
	m.Priority = def.Priority
	if m.Priority == "" {
		m.Priority = "optional"
	}
	m.Homepage = def.Homepage

	synopsis, err := engine.render("synopsis", def.Synopsis)
	if err != nil {
		return err
	}
	long, err := engine.render("description", def.Description)
	if err != nil {
		return err
	}
	m.Description = synopsis
	if long != "" {
		m.Description = synopsis + "\n" + long
	}

	common, err := engine.renderAll("common_depends", p.CommonDepends)
	if err != nil {
		return err
	}
	depends, err := engine.renderAll("depends", def.Depends)
	if err != nil {
		return err
	}
	m.Depends = append(common, depends...)
	if m.Recommends, err = engine.renderAll("recommends", def.Recommends); err != nil {
		return err
	}
	if m.Suggests, err = engine.renderAll("suggests", def.Suggests); err != nil {
		return err
	}
	if m.Conflicts, err = engine.renderAll("conflicts", def.Conflicts); err != nil {
		return err
	}
	if m.Replaces, err = engine.renderAll("replaces", def.Replaces); err != nil {
		return err
	}
	if m.Provides, err = engine.renderAll("provides", def.Provides); err != nil {
		return err
	}
	return nil
}

func (p *Plan) fillScripts(pkg *deb.Package, def *PackageDef, engine *templateEngine) error {
	for name, src := range def.Scripts {
		body, err := p.loadResource(src, false, engine)
		if err != nil {
			return fmt.Errorf("script %s: %w", name, err)
		}
		switch name {
		case "preinst":
			pkg.Scripts.PreInst = body
		case "postinst":
			pkg.Scripts.PostInst = body
		case "prerm":
			pkg.Scripts.PreRm = body
		case "postrm":
			pkg.Scripts.PostRm = body
		case "config":
			pkg.Scripts.Config = body
		}
	}
	return nil
}
