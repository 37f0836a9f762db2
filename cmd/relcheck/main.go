// Command relcheck resolves the newest matching upstream release,
// verifies the signed hash manifest against a pinned fingerprint and
// downloads the archive, without building any package. It exists to
// check a release pipeline before wiring it into a plan, and to audit
// what a plan would pick.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/etnz/upstream-deb/extract"
	"github.com/etnz/upstream-deb/fetch"
	"github.com/etnz/upstream-deb/release"
	"github.com/etnz/upstream-deb/trust"
)

// roleFlags collects repeated ROLE=PATTERN flags into a role map.
type roleFlags map[release.AssetRole]*regexp.Regexp

// String implements the flag.Value interface.
func (r *roleFlags) String() string {
	s := []string{}
	for role, pattern := range *r {
		s = append(s, fmt.Sprintf("%s=%s", role, pattern))
	}
	sort.Strings(s)
	return strings.Join(s, ", ")
}

// Set implements the flag.Value interface.
func (r *roleFlags) Set(value string) error {
	parts := strings.SplitN(value, "=", 2)
	if len(parts) != 2 {
		return fmt.Errorf("invalid format, expected ROLE=PATTERN")
	}
	pattern, err := regexp.Compile(parts[1])
	if err != nil {
		return err
	}
	(*r)[release.AssetRole(parts[0])] = pattern
	return nil
}

func main() {
	roles := make(roleFlags)
	flag.Var(&roles, "asset", "Required asset per role (ROLE=PATTERN), repeatable. Roles: archive, manifest, signature, extra")

	var repo string
	flag.StringVar(&repo, "repo", "", "Upstream repository (owner/name)")
	var tagPattern string
	flag.StringVar(&tagPattern, "tag", "", "Tag pattern, version in the first capture group")
	var titlePattern string
	flag.StringVar(&titlePattern, "title", "", "Release title pattern")
	var prereleases bool
	flag.BoolVar(&prereleases, "prereleases", false, "Consider prereleases too")

	var keyring string
	flag.StringVar(&keyring, "keyring", "", "OpenPGP keyring holding the upstream signing key")
	var fingerprint string
	flag.StringVar(&fingerprint, "fingerprint", "", "Trusted signing key fingerprint")

	var outDir string
	flag.StringVar(&outDir, "out", ".", "Directory for downloaded files")
	var extractDir string
	flag.StringVar(&extractDir, "extract", "", "Also unpack the verified archive into this directory")
	var ignoreSize bool
	flag.BoolVar(&ignoreSize, "ignore-size-mismatch", false, "Tolerate a wrong uncompressed-size trailer in the archive")
	var list bool
	flag.BoolVar(&list, "list", false, "List matching releases instead of verifying the newest")
	flag.Parse()

	if repo == "" {
		log.Fatal("-repo is required")
	}
	if tagPattern == "" {
		log.Fatal("-tag is required")
	}

	spec := release.TargetSpec{
		Roles:              roles,
		IncludePrereleases: prereleases,
	}
	var err error
	spec.TagPattern, err = regexp.Compile(tagPattern)
	if err != nil {
		log.Fatalf("Invalid tag pattern: %v", err)
	}
	if titlePattern != "" {
		spec.TitlePattern, err = regexp.Compile(titlePattern)
		if err != nil {
			log.Fatalf("Invalid title pattern: %v", err)
		}
	}

	client, err := release.NewClient(release.Config{
		Token:    os.Getenv("GITHUB_TOKEN"),
		Listener: logEvent,
	})
	if err != nil {
		log.Fatal(err)
	}
	ctx := context.Background()

	if list {
		listTargets(ctx, client, repo, spec)
		return
	}
	if keyring == "" {
		log.Fatal("-keyring is required")
	}
	if fingerprint == "" {
		log.Fatal("-fingerprint is required")
	}

	// 1. Resolve the newest qualifying release.
	target, err := client.LatestTarget(ctx, repo, spec)
	if err != nil {
		log.Fatalf("Failed to resolve a release: %v", err)
	}
	fmt.Printf("Resolved %s %s (published %s)\n", repo, target.Version, target.PublishedAt.Format("2006-01-02"))

	// 2. Fetch and verify manifest, signature and archive.
	store, err := trust.LoadStore(keyring)
	if err != nil {
		log.Fatalf("Failed to load keyring: %v", err)
	}
	if err := os.MkdirAll(outDir, 0755); err != nil {
		log.Fatalf("Failed to create %s: %v", outDir, err)
	}
	pipeline := &fetch.Pipeline{Store: store, Dir: outDir, Listener: logEvent}
	archivePath, err := pipeline.FetchAndVerify(ctx, target, fingerprint)
	if err != nil {
		log.Fatalf("Verification failed: %v", err)
	}
	fmt.Printf("Verified %s\n", archivePath)

	// 3. Optionally unpack the verified archive.
	if extractDir == "" {
		return
	}
	summary, err := extract.Extract(archivePath, extractDir, &extract.Options{
		IgnoreSizeMismatch: ignoreSize,
		Listener:           logEvent,
	})
	if err != nil {
		log.Fatalf("Extraction failed: %v", err)
	}
	fmt.Printf("Extracted %d files (%d bytes) into %s\n", summary.Files, summary.Bytes, extractDir)
}

// listTargets prints every qualifying release, newest first, with the
// asset resolved for each role.
func listTargets(ctx context.Context, client *release.Client, repo string, spec release.TargetSpec) {
	targets, err := client.ListTargets(ctx, repo, spec)
	if err != nil {
		log.Fatalf("Failed to list releases: %v", err)
	}
	sort.Slice(targets, func(i, j int) bool {
		return release.CompareReleases(targets[i], targets[j]) > 0
	})
	for _, target := range targets {
		marker := ""
		if target.Prerelease {
			marker = " (prerelease)"
		}
		fmt.Printf("%s%s  published %s\n", target.Version, marker, target.PublishedAt.Format("2006-01-02"))
		for _, role := range []release.AssetRole{release.RoleArchive, release.RoleManifest, release.RoleSignature, release.RoleExtra} {
			if file, ok := target.Files[role]; ok {
				fmt.Printf("  %-10s %s\n", role, file.Name)
			}
		}
	}
}

func logEvent(event fmt.Stringer) {
	fmt.Println(event)
}
