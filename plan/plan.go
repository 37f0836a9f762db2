// Package plan turns a declarative build plan into Debian packages: it
// resolves the newest upstream release, verifies and extracts it, rips
// files out of the extracted tree and assembles one .deb per package
// entry.
package plan

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"go.yaml.in/yaml/v3"

	"github.com/etnz/upstream-deb/apt"
	"github.com/etnz/upstream-deb/release"
)

// Load reads a plan from a YAML or JSON file, keyed by extension, and
// validates it.
func Load(path string) (*Plan, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading plan: %w", err)
	}
	var p Plan
	if err := unmarshal(path, content, &p); err != nil {
		return nil, fmt.Errorf("parsing plan %s: %w", path, err)
	}
	p.filePath = path
	p.engine = newTemplateEngine(p.Defines)

	if p.Upstream.Repo == "" {
		return nil, fmt.Errorf("plan: upstream.repo is required")
	}
	if p.Trust.Keyring == "" || p.Trust.Fingerprint == "" {
		return nil, fmt.Errorf("plan: trust.keyring and trust.fingerprint are required")
	}
	if len(p.Packages) == 0 {
		return nil, fmt.Errorf("plan: at least one package is required")
	}
	for i := range p.Packages {
		if err := p.Packages[i].validate(); err != nil {
			return nil, fmt.Errorf("plan: package %d: %w", i, err)
		}
	}
	return &p, nil
}

// Plan is the declarative definition of a repackaging job: which upstream
// releases to follow, how to verify them, and which packages to rip out of
// the extracted tree.
type Plan struct {
	// Upstream selects the releases to follow.
	Upstream Upstream `json:"upstream" yaml:"upstream"`
	// Trust pins the identity allowed to sign the hash manifest.
	Trust Trust `json:"trust" yaml:"trust"`
	// Root is the directory at the top of the extracted archive; it may
	// use version template fields. Empty means the single top-level
	// directory found after extraction.
	Root string `json:"root" yaml:"root"`
	// License is an optional path or URL of the upstream license text,
	// installed as the copyright file of every package.
	License string `json:"license" yaml:"license"`
	// Maintainer in "Name <email>" form, applied to every package.
	Maintainer string `json:"maintainer" yaml:"maintainer"`
	// Defines are global template variables.
	Defines map[string]string `json:"defines" yaml:"defines"`
	// CommonDepends is prepended to every package's Depends.
	CommonDepends []string `json:"common_depends" yaml:"common_depends"`
	// Packages are the debs assembled from one extracted release.
	Packages []PackageDef `json:"packages" yaml:"packages"`
	// Archive describes the published repository to APT clients.
	Archive Archive `json:"archive" yaml:"archive"`
	// Publish names the repository release hosting the built packages.
	Publish Publish `json:"publish" yaml:"publish"`

	filePath string
	engine   *templateEngine
}

// Upstream selects usable releases: a tag shape carrying the version and
// one filename pattern per asset role.
type Upstream struct {
	// Repo is the owner/repo slug of the upstream project.
	Repo string `json:"repo" yaml:"repo"`
	// Tag is a regular expression the release tag must match; its first
	// capture group is the version.
	Tag string `json:"tag" yaml:"tag"`
	// Title, when set, is a regular expression the release title must
	// match.
	Title string `json:"title" yaml:"title"`
	// Prereleases admits releases flagged as prerelease.
	Prereleases bool `json:"prereleases" yaml:"prereleases"`
	// Assets maps a role (archive, manifest, signature, extra) to the
	// regular expression its asset filename must match.
	Assets map[string]string `json:"assets" yaml:"assets"`
}

// Trust pins the manifest signer.
type Trust struct {
	// Keyring is the path to the public keyring, armored or binary,
	// relative to the plan file.
	Keyring string `json:"keyring" yaml:"keyring"`
	// Fingerprint of the only key accepted for the manifest signature.
	Fingerprint string `json:"fingerprint" yaml:"fingerprint"`
}

// Archive is the repository self-description served to APT clients.
type Archive struct {
	Origin        string `json:"origin" yaml:"origin"`
	Label         string `json:"label" yaml:"label"`
	Suite         string `json:"suite" yaml:"suite"`
	Codename      string `json:"codename" yaml:"codename"`
	Architectures string `json:"architectures" yaml:"architectures"`
	Components    string `json:"components" yaml:"components"`
	Description   string `json:"description" yaml:"description"`
}

// Info maps the archive section onto the index generator's metadata.
func (a Archive) Info() apt.ArchiveInfo {
	return apt.ArchiveInfo{
		Origin:        a.Origin,
		Label:         a.Label,
		Suite:         a.Suite,
		Codename:      a.Codename,
		Architectures: a.Architectures,
		Components:    a.Components,
		Description:   a.Description,
	}
}

// Publish names the GitHub release hosting the repository: debs and index
// files are uploaded as assets of this tag.
type Publish struct {
	// Repo is the owner/repo slug of the hosting repository.
	Repo string `json:"repo" yaml:"repo"`
	// Tag is the fixed release tag holding the repository assets.
	Tag string `json:"tag" yaml:"tag"`
}

// PackageDef describes one package ripped out of the extracted tree.
type PackageDef struct {
	Name         string `json:"name" yaml:"name"`
	Architecture string `json:"architecture" yaml:"architecture"`
	Section      string `json:"section" yaml:"section"`
	Priority     string `json:"priority" yaml:"priority"`
	Homepage     string `json:"homepage" yaml:"homepage"`

	// Synopsis is the one-line description; Description the extended one.
	Synopsis    string `json:"synopsis" yaml:"synopsis"`
	Description string `json:"description" yaml:"description"`

	Depends    []string `json:"depends" yaml:"depends"`
	Recommends []string `json:"recommends" yaml:"recommends"`
	Suggests   []string `json:"suggests" yaml:"suggests"`
	Conflicts  []string `json:"conflicts" yaml:"conflicts"`
	Replaces   []string `json:"replaces" yaml:"replaces"`
	Provides   []string `json:"provides" yaml:"provides"`

	// Defines are template variables local to this package.
	Defines map[string]string `json:"defines" yaml:"defines"`

	// Rip lists the slices of the extracted tree carried into the
	// package.
	Rip []RipRule `json:"rip" yaml:"rip"`

	// Scripts maps a maintainer script name (preinst, postinst, prerm,
	// postrm, config) to the path or URL of its source.
	Scripts map[string]string `json:"scripts" yaml:"scripts"`
}

func (d *PackageDef) validate() error {
	if d.Name == "" {
		return fmt.Errorf("name is required")
	}
	if d.Architecture == "" {
		return fmt.Errorf("%s: architecture is required", d.Name)
	}
	if len(d.Rip) == 0 {
		return fmt.Errorf("%s: at least one rip rule is required", d.Name)
	}
	for i := range d.Rip {
		if err := d.Rip[i].validate(); err != nil {
			return fmt.Errorf("%s: rip rule %d: %w", d.Name, i, err)
		}
	}
	for name := range d.Scripts {
		switch name {
		case "preinst", "postinst", "prerm", "postrm", "config":
		default:
			return fmt.Errorf("%s: unknown script %q", d.Name, name)
		}
	}
	return nil
}

// RipRule names one slice of the extracted tree. Exactly one of Bin, Man,
// Dir or Src must be set; values may use version template fields.
type RipRule struct {
	// Bin installs bin/<name> as /usr/bin/<name>.
	Bin string `json:"bin" yaml:"bin"`
	// Man installs man/manN/<page> as /usr/share/man/manN/<page>, with
	// the section read from the page extension. A value of the form
	// "manN" installs the whole section directory.
	Man string `json:"man" yaml:"man"`
	// Dir installs the subtree at <dir> under /usr/<dir>.
	Dir string `json:"dir" yaml:"dir"`
	// Src installs the single file at <src> as <dst>.
	Src string `json:"src" yaml:"src"`
	// Dst is the absolute install path for Src.
	Dst string `json:"dst" yaml:"dst"`
	// Mode overrides the file mode kept from the tree, in octal.
	Mode string `json:"mode" yaml:"mode"`
	// Conffile marks installed entries as configuration files.
	Conffile bool `json:"conffile" yaml:"conffile"`
}

func (r *RipRule) validate() error {
	set := 0
	for _, v := range []string{r.Bin, r.Man, r.Dir, r.Src} {
		if v != "" {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("exactly one of bin, man, dir or src is required")
	}
	if r.Src != "" && r.Dst == "" {
		return fmt.Errorf("src requires dst")
	}
	if r.Dst != "" && r.Src == "" {
		return fmt.Errorf("dst is only valid with src")
	}
	return nil
}

// TargetSpec compiles the upstream section into the release matcher.
func (p *Plan) TargetSpec() (release.TargetSpec, error) {
	var spec release.TargetSpec
	if p.Upstream.Tag == "" {
		return spec, fmt.Errorf("plan: upstream.tag is required")
	}
	tag, err := regexp.Compile(p.Upstream.Tag)
	if err != nil {
		return spec, fmt.Errorf("plan: upstream.tag: %w", err)
	}
	spec.TagPattern = tag
	spec.IncludePrereleases = p.Upstream.Prereleases

	if p.Upstream.Title != "" {
		title, err := regexp.Compile(p.Upstream.Title)
		if err != nil {
			return spec, fmt.Errorf("plan: upstream.title: %w", err)
		}
		spec.TitlePattern = title
	}

	spec.Roles = make(map[release.AssetRole]*regexp.Regexp, len(p.Upstream.Assets))
	for role, pattern := range p.Upstream.Assets {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return spec, fmt.Errorf("plan: upstream.assets.%s: %w", role, err)
		}
		spec.Roles[release.AssetRole(role)] = re
	}
	return spec, nil
}

func (p *Plan) resolve(path string) string {
	if filepath.IsAbs(path) || strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	return filepath.Join(filepath.Dir(p.filePath), path)
}

// loadResource reads a file or URL relative to the plan file. Unless raw
// is set, the content is rendered with the given engine.
func (p *Plan) loadResource(path string, raw bool, engine *templateEngine) (string, error) {
	var content []byte
	resolved := p.resolve(path)
	if strings.HasPrefix(resolved, "http://") || strings.HasPrefix(resolved, "https://") {
		resp, err := http.Get(resolved)
		if err != nil {
			return "", fmt.Errorf("fetching resource %s: %w", resolved, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return "", fmt.Errorf("fetching resource %s: %s", resolved, resp.Status)
		}
		content, err = io.ReadAll(resp.Body)
		if err != nil {
			return "", fmt.Errorf("reading resource %s: %w", resolved, err)
		}
	} else {
		var err error
		content, err = os.ReadFile(resolved)
		if err != nil {
			return "", fmt.Errorf("reading resource: %w", err)
		}
	}

	if raw {
		return string(content), nil
	}
	return engine.render(path, string(content))
}

// unmarshal parses JSON or YAML based on file extension, rejecting unknown
// fields either way.
func unmarshal(path string, data []byte, v interface{}) error {
	ext := strings.ToLower(filepath.Ext(path))
	r := bytes.NewReader(data)
	if ext == ".yaml" || ext == ".yml" {
		dec := yaml.NewDecoder(r)
		dec.KnownFields(true)
		return dec.Decode(v)
	}
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
