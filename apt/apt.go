package apt

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/ProtonMail/go-crypto/openpgp/clearsign"
	"github.com/blakesmith/ar"
	"github.com/klauspost/compress/gzip"

	"github.com/etnz/upstream-deb/deb"
)

// Listener receives progress events while harvesting and indexing. A nil
// Listener drops them.
type Listener func(fmt.Stringer)

func (l Listener) emit(e fmt.Stringer) {
	if l != nil {
		l(e)
	}
}

type harvestEvent struct{ url string }

func (e harvestEvent) String() string { return fmt.Sprintf("harvesting %s", e.url) }

type harvestWarning struct {
	url string
	err error
}

func (e harvestWarning) String() string { return fmt.Sprintf("skipping %s: %v", e.url, e.err) }

type ingestEvent struct{ name string }

func (e ingestEvent) String() string { return fmt.Sprintf("indexing %s", e.name) }

// RepoConfig names a source APT repository whose packages are pulled into
// the index. A config with an empty Suite is read as a flat repository
// (Packages.gz next to the debs); otherwise the standard
// dists/<suite>/<component>/binary-<arch>/ layout is used and Architectures
// must list at least one entry.
type RepoConfig struct {
	URL           string
	Suite         string
	Component     string
	Architectures []string
}

// ArchiveInfo carries the repository self-description written to the
// Release file, which APT clients use for pinning and trust decisions.
type ArchiveInfo struct {
	Origin        string
	Label         string
	Suite         string
	Codename      string
	Architectures string
	Components    string
	Description   string
}

// CachedAsset remembers the hashes and control text of a .deb already seen,
// so reruns skip downloading and re-parsing it.
type CachedAsset struct {
	ContentHash string
	FileHash    string
	Size        int64
	Control     string
	URL         string
}

// Package is one indexed .deb: the raw control stanza plus the
// repository-level fields (download location, size, hash) appended to it in
// the Packages file.
type Package struct {
	Name         string
	Version      string
	Architecture string

	// Control is the raw control file text of the package.
	Control string

	// Filename is where the .deb lives: a path relative to the repository
	// base, or an absolute URL.
	Filename string
	Size     int64
	FileHash string

	// contentHash covers the bodies of the ar members only, so a rebuild
	// that produced the same members hashes the same even when the ar
	// headers differ. It never appears in the Packages file.
	contentHash string
}

// ContentHash returns the member-body hash of the package, fetching the
// .deb when it has not been computed yet.
func (p *Package) ContentHash() (string, error) {
	if p.contentHash != "" {
		return p.contentHash, nil
	}

	var r io.Reader
	if strings.HasPrefix(p.Filename, "http://") || strings.HasPrefix(p.Filename, "https://") {
		resp, err := http.Get(p.Filename)
		if err != nil {
			return "", err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return "", fmt.Errorf("fetching %s: status %d", p.Filename, resp.StatusCode)
		}
		r = resp.Body
	} else {
		f, err := os.Open(p.Filename)
		if err != nil {
			return "", err
		}
		defer f.Close()
		r = f
	}

	hash, err := ContentHashFrom(r)
	if err != nil {
		return "", fmt.Errorf("hashing %s: %w", p.Filename, err)
	}
	p.contentHash = hash
	return hash, nil
}

func packageID(name, version, arch string) string {
	return fmt.Sprintf("%s|%s|%s", name, version, arch)
}

// PackageIndex is the in-memory staging area for a repository: the set of
// packages, unique by name, version and architecture, and the index files
// generated from them.
type PackageIndex struct {
	packages map[string]*Package

	PackagesContent         []byte
	PackagesGzContent       []byte
	ReleaseContent          []byte
	InReleaseContent        []byte
	PublicKeyContent        []byte
	PublicKeyContentArmored []byte
}

func NewPackageIndex() *PackageIndex {
	return &PackageIndex{packages: make(map[string]*Package)}
}

// Add inserts a package, erroring on a duplicate identity triple. Identity
// fields missing from p are filled in from its control text.
func (idx *PackageIndex) Add(p *Package) error {
	if p.Name == "" || p.Version == "" || p.Architecture == "" {
		p.Name, p.Version, p.Architecture = parseControlMetadata(p.Control)
	}
	if p.Name == "" {
		return nil
	}
	id := packageID(p.Name, p.Version, p.Architecture)
	if _, exists := idx.packages[id]; exists {
		return fmt.Errorf("duplicate package: %s", id)
	}
	idx.packages[id] = p
	return nil
}

// Append merges another index into this one, erroring on any identity
// already present.
func (idx *PackageIndex) Append(other *PackageIndex) error {
	for id, p := range other.packages {
		if _, exists := idx.packages[id]; exists {
			return fmt.Errorf("duplicate package: %s", id)
		}
		idx.packages[id] = p
	}
	return nil
}

// Get looks up one package by its identity triple.
func (idx *PackageIndex) Get(name, version, arch string) (*Package, bool) {
	p, ok := idx.packages[packageID(name, version, arch)]
	return p, ok
}

// Len reports the number of indexed packages.
func (idx *PackageIndex) Len() int { return len(idx.packages) }

// ByUpstream returns every indexed build of a package name and upstream
// version on one architecture, highest revision first.
func (idx *PackageIndex) ByUpstream(name, upstream, arch string) []*Package {
	var matches []*Package
	for _, p := range idx.packages {
		if p.Name != name || p.Architecture != arch {
			continue
		}
		if u, _ := deb.SplitVersion(p.Version); u == upstream {
			matches = append(matches, p)
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		_, ri := deb.SplitVersion(matches[i].Version)
		_, rj := deb.SplitVersion(matches[j].Version)
		return deb.CompareRevisions(ri, rj) > 0
	})
	return matches
}

func (idx *PackageIndex) sortedIDs() []string {
	ids := make([]string, 0, len(idx.packages))
	for id := range idx.packages {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// FetchPackageIndexFrom downloads and parses the Packages index of a remote
// repository. URLs that fail are reported to the listener and skipped, so a
// repository that does not exist yet yields an empty index.
func FetchPackageIndexFrom(r RepoConfig, cache map[string]CachedAsset, listener Listener) (*PackageIndex, error) {
	idx := NewPackageIndex()
	listener.emit(harvestEvent{url: r.URL})

	baseURL := r.URL
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}

	var urls []string
	if r.Suite == "" {
		urls = append(urls, baseURL+"Packages.gz")
	} else {
		if len(r.Architectures) == 0 {
			return nil, fmt.Errorf("architectures required for suite %s", r.Suite)
		}
		for _, arch := range r.Architectures {
			urls = append(urls, fmt.Sprintf("%sdists/%s/%s/binary-%s/Packages.gz", baseURL, r.Suite, r.Component, arch))
		}
	}

	for _, u := range urls {
		if err := processRemotePackages(u, baseURL, idx, cache); err != nil {
			listener.emit(harvestWarning{url: u, err: err})
		}
	}
	return idx, nil
}

// IndexDebs builds an index from loose .deb URLs, typically release assets
// that never had a Packages file. Assets that fail are reported and skipped.
func IndexDebs(urls []string, cache map[string]CachedAsset, listener Listener) (*PackageIndex, error) {
	idx := NewPackageIndex()
	for _, url := range urls {
		listener.emit(ingestEvent{name: filepath.Base(url)})
		pkg, err := fetchPackageFrom(url, cache)
		if err != nil {
			listener.emit(harvestWarning{url: url, err: err})
			continue
		}
		if err := idx.Add(pkg); err != nil {
			listener.emit(harvestWarning{url: url, err: err})
		}
	}
	return idx, nil
}

// processRemotePackages streams one Packages file (gzipped or plain) into
// the index, rewriting relative filenames against the repository base.
func processRemotePackages(url, baseURL string, idx *PackageIndex, cache map[string]CachedAsset) error {
	resp, err := http.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}

	var r io.Reader = resp.Body
	if strings.HasSuffix(url, ".gz") {
		gzr, err := gzip.NewReader(r)
		if err != nil {
			return err
		}
		defer gzr.Close()
		r = gzr
	}

	flush := func(stanza string) error {
		p := parseStanza(stanza)
		if !strings.HasPrefix(p.Filename, "http") {
			p.Filename = baseURL + p.Filename
		}
		if cached, ok := cache[p.Filename]; ok {
			p.contentHash = cached.ContentHash
		}
		return idx.Add(p)
	}

	scanner := bufio.NewScanner(r)
	// Stanzas with long Depends lines overflow the default buffer.
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var stanza strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			if stanza.Len() > 0 {
				if err := flush(stanza.String()); err != nil {
					return err
				}
				stanza.Reset()
			}
			continue
		}
		stanza.WriteString(line + "\n")
	}
	if stanza.Len() > 0 {
		if err := flush(stanza.String()); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// fetchPackageFrom downloads one .deb and derives its index entry, going
// through the cache to avoid refetching assets seen on earlier runs.
func fetchPackageFrom(url string, cache map[string]CachedAsset) (*Package, error) {
	if cached, ok := cache[url]; ok {
		p := &Package{
			Filename:    url,
			Control:     cached.Control,
			FileHash:    cached.FileHash,
			Size:        cached.Size,
			contentHash: cached.ContentHash,
		}
		p.Name, p.Version, p.Architecture = parseControlMetadata(p.Control)
		return p, nil
	}

	resp, err := http.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	tmp, err := os.CreateTemp("", "pkg-*.deb")
	if err != nil {
		return nil, err
	}
	defer os.Remove(tmp.Name())

	size, err := io.Copy(tmp, resp.Body)
	if err != nil {
		return nil, err
	}
	if err := tmp.Close(); err != nil {
		return nil, err
	}

	fileHash, contentHash, err := CalculateHashes(tmp.Name())
	if err != nil {
		return nil, err
	}
	control, err := extractControl(tmp.Name())
	if err != nil {
		return nil, err
	}

	cache[url] = CachedAsset{FileHash: fileHash, ContentHash: contentHash, Size: size, Control: control, URL: url}

	p := &Package{
		Filename:    url,
		Control:     control,
		FileHash:    fileHash,
		Size:        size,
		contentHash: contentHash,
	}
	p.Name, p.Version, p.Architecture = parseControlMetadata(p.Control)
	return p, nil
}

// generateStanzaString appends the repository-level fields to a control
// block, forming one Packages entry.
func generateStanzaString(control, filename, sha string, size int64) string {
	var b strings.Builder
	b.WriteString(control)
	if !strings.HasSuffix(control, "\n") {
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "%s: %s\n", deb.IdxFilename, filename)
	fmt.Fprintf(&b, "%s: %d\n", deb.IdxSize, size)
	fmt.Fprintf(&b, "%s: %s\n\n", deb.IdxSHA256, sha)
	return b.String()
}

// CalculateHashes computes the two hashes of a .deb on disk: the SHA256 of
// the whole file, and the content hash over the ar member bodies alone.
// The latter is stable across rebuilds that only moved the ar timestamps.
func CalculateHashes(path string) (fileHash, contentHash string, err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", "", err
	}
	fileHash = hex.EncodeToString(h.Sum(nil))

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", "", err
	}
	contentHash, err = ContentHashFrom(f)
	if err != nil {
		return "", "", err
	}
	return fileHash, contentHash, nil
}

// ContentHashFrom hashes the body of every ar member in r, leaving the
// member headers out.
func ContentHashFrom(r io.Reader) (string, error) {
	h := sha256.New()
	reader := ar.NewReader(r)
	for {
		_, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}
		if _, err := io.Copy(h, reader); err != nil {
			return "", err
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func parseControlMetadata(control string) (name, version, arch string) {
	scanner := bufio.NewScanner(strings.NewReader(control))
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "Package: "):
			name = strings.TrimSpace(strings.TrimPrefix(line, "Package: "))
		case strings.HasPrefix(line, "Version: "):
			version = strings.TrimSpace(strings.TrimPrefix(line, "Version: "))
		case strings.HasPrefix(line, "Architecture: "):
			arch = strings.TrimSpace(strings.TrimPrefix(line, "Architecture: "))
		}
	}
	return name, version, arch
}

// parseStanza splits one Packages entry back into its control text and the
// repository-level fields.
func parseStanza(stanza string) *Package {
	p := &Package{}
	var controlLines []string
	scanner := bufio.NewScanner(strings.NewReader(stanza))
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "Filename: "):
			p.Filename = strings.TrimSpace(strings.TrimPrefix(line, "Filename: "))
		case strings.HasPrefix(line, "Size: "):
			p.Size, _ = strconv.ParseInt(strings.TrimSpace(strings.TrimPrefix(line, "Size: ")), 10, 64)
		case strings.HasPrefix(line, "SHA256: "):
			p.FileHash = strings.TrimSpace(strings.TrimPrefix(line, "SHA256: "))
		default:
			controlLines = append(controlLines, line)
		}
	}
	p.Control = strings.Join(controlLines, "\n") + "\n"
	p.Name, p.Version, p.Architecture = parseControlMetadata(p.Control)
	return p
}

// extractControl pulls the raw control text out of a .deb on disk.
func extractControl(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return controlFrom(f)
}

func controlFrom(r io.Reader) (string, error) {
	reader := ar.NewReader(r)
	for {
		header, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}
		name := strings.TrimSuffix(strings.TrimSpace(header.Name), "/")
		if !strings.HasPrefix(name, "control.tar") {
			continue
		}
		tr, err := deb.OpenTar(name, reader)
		if err != nil {
			return "", err
		}
		for {
			th, err := tr.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				return "", err
			}
			if filepath.Base(th.Name) == "control" {
				content, err := io.ReadAll(tr)
				if err != nil {
					return "", err
				}
				return string(content), nil
			}
		}
	}
	return "", fmt.Errorf("control file missing")
}

// ComputeIndices generates the repository metadata in memory: the Packages
// index, its gzipped form, the Release file hashing both, and, when a
// signing key is given, the clearsigned InRelease plus the public key in
// binary and armored form. Packages appear in identity order so the output
// is stable.
func (idx *PackageIndex) ComputeIndices(info ArchiveInfo, gpgKey string) error {
	var pkgBuf bytes.Buffer
	for _, id := range idx.sortedIDs() {
		p := idx.packages[id]
		fmt.Fprint(&pkgBuf, generateStanzaString(p.Control, p.Filename, p.FileHash, p.Size))
	}
	idx.PackagesContent = pkgBuf.Bytes()

	var gzBuf bytes.Buffer
	gw := gzip.NewWriter(&gzBuf)
	if _, err := gw.Write(idx.PackagesContent); err != nil {
		return err
	}
	if err := gw.Close(); err != nil {
		return err
	}
	idx.PackagesGzContent = gzBuf.Bytes()

	var relBuf bytes.Buffer
	writeField := func(field deb.ReleaseField, value string) {
		if value != "" {
			fmt.Fprintf(&relBuf, "%s: %s\n", field, value)
		}
	}
	writeField(deb.RelOrigin, info.Origin)
	writeField(deb.RelLabel, info.Label)
	writeField(deb.RelSuite, info.Suite)
	writeField(deb.RelCodename, info.Codename)
	writeField(deb.RelDate, time.Now().UTC().Format(time.RFC1123Z))
	writeField(deb.RelArchitectures, info.Architectures)
	writeField(deb.RelComponents, info.Components)
	writeField(deb.RelDescription, info.Description)
	fmt.Fprintf(&relBuf, "%s:\n", deb.RelSHA256)
	for _, entry := range []struct {
		name    string
		content []byte
	}{
		{"Packages", idx.PackagesContent},
		{"Packages.gz", idx.PackagesGzContent},
	} {
		fmt.Fprintf(&relBuf, " %x %d %s\n", sha256.Sum256(entry.content), len(entry.content), entry.name)
	}
	idx.ReleaseContent = relBuf.Bytes()

	if gpgKey == "" {
		return nil
	}
	signed, err := signBytes(idx.ReleaseContent, gpgKey)
	if err != nil {
		return fmt.Errorf("signing release: %w", err)
	}
	idx.InReleaseContent = signed

	pubKey, err := extractPublicKey(gpgKey, false)
	if err != nil {
		return fmt.Errorf("extracting public key: %w", err)
	}
	idx.PublicKeyContent = pubKey

	pubKeyArmored, err := extractPublicKey(gpgKey, true)
	if err != nil {
		return fmt.Errorf("extracting armored public key: %w", err)
	}
	idx.PublicKeyContentArmored = pubKeyArmored
	return nil
}

// IndexAll aggregates remote repositories and loose .deb assets into one
// master index and computes its metadata. Individual sources that fail are
// reported to the listener and left out; identity clashes across sources
// are errors.
func IndexAll(repos []RepoConfig, debURLs []string, cache map[string]CachedAsset, info ArchiveInfo, gpgKey string, listener Listener) (*PackageIndex, error) {
	master := NewPackageIndex()

	for _, r := range repos {
		idx, err := FetchPackageIndexFrom(r, cache, listener)
		if err != nil {
			listener.emit(harvestWarning{url: r.URL, err: err})
			continue
		}
		if err := master.Append(idx); err != nil {
			return nil, fmt.Errorf("appending repository %s: %w", r.URL, err)
		}
	}

	if len(debURLs) > 0 {
		idx, err := IndexDebs(debURLs, cache, listener)
		if err != nil {
			return nil, err
		}
		if err := master.Append(idx); err != nil {
			return nil, fmt.Errorf("appending assets: %w", err)
		}
	}

	if err := master.ComputeIndices(info, gpgKey); err != nil {
		return nil, fmt.Errorf("computing indices: %w", err)
	}
	return master, nil
}

// ConflictFree checks whether a local .deb may be published: a version
// already in the master index must carry identical content. It returns the
// package entry for the local file either way.
func ConflictFree(path string, master *PackageIndex) (*Package, bool, error) {
	fileHash, contentHash, err := CalculateHashes(path)
	if err != nil {
		return nil, false, fmt.Errorf("invalid file: %w", err)
	}
	control, err := extractControl(path)
	if err != nil {
		return nil, false, fmt.Errorf("no control: %w", err)
	}

	name, version, arch := parseControlMetadata(control)
	stat, err := os.Stat(path)
	if err != nil {
		return nil, false, err
	}
	pkg := &Package{
		Name:         name,
		Version:      version,
		Architecture: arch,
		Control:      control,
		Filename:     filepath.Base(path),
		Size:         stat.Size(),
		FileHash:     fileHash,
		contentHash:  contentHash,
	}

	if masterPkg, exists := master.Get(name, version, arch); exists {
		masterHash, err := masterPkg.ContentHash()
		if err != nil {
			return pkg, false, fmt.Errorf("verifying published %s %s: %w", name, version, err)
		}
		if masterHash != contentHash {
			return pkg, false, fmt.Errorf("version conflict: %s %s (%s) is already published with different content", name, version, arch)
		}
	}
	return pkg, true, nil
}

// SaveTo writes the computed index files into a directory, mirroring the
// asset names used when publishing.
func (idx *PackageIndex) SaveTo(outputDir string) error {
	if len(idx.PackagesContent) == 0 {
		return fmt.Errorf("indices not computed")
	}
	files := []struct {
		name    string
		content []byte
	}{
		{"Packages", idx.PackagesContent},
		{"Packages.gz", idx.PackagesGzContent},
		{"Release", idx.ReleaseContent},
		{"InRelease", idx.InReleaseContent},
		{"public.gpg", idx.PublicKeyContent},
		{"public.asc", idx.PublicKeyContentArmored},
	}
	for _, f := range files {
		if len(f.content) == 0 {
			continue
		}
		if err := os.WriteFile(filepath.Join(outputDir, f.name), f.content, 0644); err != nil {
			return fmt.Errorf("writing %s: %w", f.name, err)
		}
	}
	return nil
}

// signingEntity returns the first entity of an armored keyring that carries
// a private key.
func signingEntity(key string) (*openpgp.Entity, error) {
	entities, err := openpgp.ReadArmoredKeyRing(strings.NewReader(key))
	if err != nil {
		return nil, err
	}
	for _, e := range entities {
		if e.PrivateKey != nil {
			return e, nil
		}
	}
	return nil, fmt.Errorf("no private key in keyring")
}

func signBytes(input []byte, key string) ([]byte, error) {
	signer, err := signingEntity(key)
	if err != nil {
		return nil, err
	}
	var out bytes.Buffer
	w, err := clearsign.Encode(&out, signer.PrivateKey, nil)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(input); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func extractPublicKey(key string, armored bool) ([]byte, error) {
	signer, err := signingEntity(key)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if armored {
		w, err := armor.Encode(&buf, openpgp.PublicKeyType, nil)
		if err != nil {
			return nil, err
		}
		if err := signer.Serialize(w); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
	} else {
		if err := signer.Serialize(&buf); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}
