package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/etnz/upstream-deb/apt"
	"github.com/etnz/upstream-deb/plan"
	"github.com/etnz/upstream-deb/release"
)

// cache remembers the hashes and control text of every .deb seen on
// earlier runs, so republishing does not refetch published assets.
var cache = make(map[string]apt.CachedAsset)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: upstream-deb <command> [flags]")
		fmt.Println("Commands: build, targets")
		os.Exit(1)
	}

	switch os.Args[1] {
	case "build":
		buildCommand(os.Args[2:])
	case "targets":
		targetsCommand(os.Args[2:])
	default:
		fmt.Printf("Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}
}

func fatal(format string, args ...interface{}) {
	fmt.Printf("Fatal: "+format+"\n", args...)
	os.Exit(1)
}

// logEvent renders pipeline events as log lines.
func logEvent(event fmt.Stringer) {
	fmt.Println(event)
}

// buildCommand runs a plan: resolve the newest trusted upstream release,
// rip it into packages, and optionally publish them to the hosting
// release together with refreshed index files.
func buildCommand(args []string) {
	fs := flag.NewFlagSet("build", flag.ExitOnError)
	planPath := fs.String("plan", "upstream-deb.yaml", "Path to the build plan")
	outDir := fs.String("out", "dist", "Output directory for packages and indices")
	cachePath := fs.String("cache", "deb-cache.json", "Path to the asset hash cache")
	to := fs.String("to", "", "Hosting release slug (github.com/owner/repo/tags/tag), overrides the plan's publish section")
	localIndex := fs.Bool("local-index", false, "Write repository index files even when not publishing")
	ignoreSize := fs.Bool("ignore-size-mismatch", false, "Tolerate a wrong uncompressed-size trailer on the upstream archive")
	fs.Parse(args)

	ctx := context.Background()

	p, err := plan.Load(*planPath)
	if err != nil {
		fatal("Could not load plan %s: %v", *planPath, err)
	}

	loadCache(*cachePath)

	if err := os.MkdirAll(*outDir, 0755); err != nil {
		fatal("Could not create output directory %s: %v", *outDir, err)
	}

	repoPath, tag, publish, err := publishTarget(*to, p)
	if err != nil {
		fatal("Invalid slug: %v", err)
	}

	client, err := release.NewClient(release.Config{
		Token:    os.Getenv("GITHUB_TOKEN"),
		Listener: logEvent,
	})
	if err != nil {
		fatal("%v", err)
	}

	// Index what the hosting release already serves, so unchanged builds
	// are skipped and changed ones get a bumped revision.
	var master *apt.PackageIndex
	if publish {
		fmt.Printf("Indexing published packages of %s @ %s...\n", repoPath, tag)
		urls, err := client.DebAssets(ctx, repoPath, tag)
		if err != nil {
			if !release.IsNotFound(err) {
				fatal("Could not list published packages: %v", err)
			}
			fmt.Printf("Warning: release %s not found in %s, starting from an empty repository\n", tag, repoPath)
		}
		master, err = apt.IndexDebs(urls, cache, logEvent)
		if err != nil {
			fatal("Could not index published packages: %v", err)
		}
		saveCache(*cachePath)
	}

	results, err := p.Build(ctx, plan.BuildOptions{
		OutDir:             *outDir,
		Master:             master,
		Client:             client,
		IgnoreSizeMismatch: *ignoreSize,
		Listener:           logEvent,
	})
	if err != nil {
		fatal("%v", err)
	}

	index := master
	if index == nil {
		index = apt.NewPackageIndex()
	}
	var toUpload []string
	for _, r := range results {
		if r.Skipped {
			fmt.Printf("Already published with same content, skipping %s %s\n", r.Package, r.Version)
			continue
		}
		fmt.Printf("Built %s %s (%s)\n", r.Package, r.Version, filepath.Base(r.Path))

		pkg, ok, err := apt.ConflictFree(r.Path, index)
		if err != nil {
			fatal("%v", err)
		}
		if !ok {
			continue
		}
		if publish {
			pkg = release.PredictRemote(repoPath, tag, pkg)
		}
		if err := index.Add(pkg); err != nil {
			fatal("Could not index %s: %v", filepath.Base(r.Path), err)
		}
		toUpload = append(toUpload, r.Path)
	}

	if *localIndex || publish {
		if err := index.ComputeIndices(p.Archive.Info(), os.Getenv("GPG_PRIVATE_KEY")); err != nil {
			fatal("Could not compute indices: %v", err)
		}
		if err := index.SaveTo(*outDir); err != nil {
			fatal("Could not save indices: %v", err)
		}
	}

	saveCache(*cachePath)
	if !publish {
		return
	}

	fmt.Printf("Uploading to %s @ %s...\n", repoPath, tag)
	if err := client.PushDebs(ctx, repoPath, tag, toUpload); err != nil {
		fatal("%v", err)
	}
	// Indices go up even when no package changed: a first publish over
	// pre-existing assets has none yet.
	if err := client.UploadRepoIndices(ctx, repoPath, tag, index); err != nil {
		fatal("%v", err)
	}
	fmt.Printf("Published %d package(s).\n", len(toUpload))
}

// targetsCommand lists the upstream releases the plan's target spec
// matches, newest first, with the asset resolved for each role.
func targetsCommand(args []string) {
	fs := flag.NewFlagSet("targets", flag.ExitOnError)
	planPath := fs.String("plan", "upstream-deb.yaml", "Path to the build plan")
	fs.Parse(args)

	p, err := plan.Load(*planPath)
	if err != nil {
		fatal("Could not load plan %s: %v", *planPath, err)
	}
	spec, err := p.TargetSpec()
	if err != nil {
		fatal("%v", err)
	}
	client, err := release.NewClient(release.Config{Token: os.Getenv("GITHUB_TOKEN")})
	if err != nil {
		fatal("%v", err)
	}

	targets, err := client.ListTargets(context.Background(), p.Upstream.Repo, spec)
	if err != nil {
		fatal("Could not list releases of %s: %v", p.Upstream.Repo, err)
	}
	if len(targets) == 0 {
		fmt.Println("No release matches the target spec.")
		return
	}
	sort.Slice(targets, func(i, j int) bool {
		return release.CompareReleases(targets[i], targets[j]) > 0
	})

	for _, target := range targets {
		marker := ""
		if target.Prerelease {
			marker = " (prerelease)"
		}
		fmt.Printf("%s%s  published %s\n", target.Version, marker, target.PublishedAt.UTC().Format("2006-01-02"))
		for _, role := range []release.AssetRole{release.RoleArchive, release.RoleManifest, release.RoleSignature, release.RoleExtra} {
			if f, ok := target.Files[role]; ok {
				fmt.Printf("  %-10s %s\n", role, f.Name)
			}
		}
	}
}

// publishTarget resolves where to publish: an explicit -to slug wins over
// the plan's publish section. No destination means build-only.
func publishTarget(to string, p *plan.Plan) (repoPath, tag string, publish bool, err error) {
	if to != "" {
		owner, repo, slugTag, err := parseSlug(to)
		if err != nil {
			return "", "", false, err
		}
		return owner + "/" + repo, slugTag, true, nil
	}
	if p.Publish.Repo != "" && p.Publish.Tag != "" {
		return p.Publish.Repo, p.Publish.Tag, true, nil
	}
	return "", "", false, nil
}

func parseSlug(slug string) (owner, repo, tag string, err error) {
	// github.com/owner/repo/tags/tag
	parts := strings.Split(slug, "/")
	if len(parts) < 5 || parts[0] != "github.com" || parts[3] != "tags" {
		return "", "", "", fmt.Errorf("invalid slug format, expected github.com/owner/repo/tags/tag")
	}
	return parts[1], parts[2], parts[4], nil
}

func decodeCache(path string) (map[string]apt.CachedAsset, error) {
	type jsonCachedAsset struct {
		ContentHash string `json:"content_hash"`
		FileHash    string `json:"file_hash"`
		Size        int64  `json:"size"`
		Control     string `json:"control"`
		URL         string `json:"url"`
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]apt.CachedAsset), nil
		}
		return nil, err
	}

	var wire map[string]jsonCachedAsset
	if err := json.Unmarshal(data, &wire); err != nil {
		// A corrupt cache only costs refetching, never the run.
		fmt.Printf("Warning: could not parse cache file %s: %v. Starting fresh.\n", path, err)
		return make(map[string]apt.CachedAsset), nil
	}

	cache := make(map[string]apt.CachedAsset, len(wire))
	for url, asset := range wire {
		cache[url] = apt.CachedAsset{
			ContentHash: asset.ContentHash,
			FileHash:    asset.FileHash,
			Size:        asset.Size,
			Control:     asset.Control,
			URL:         asset.URL,
		}
	}
	return cache, nil
}

func encodeCache(path string, cache map[string]apt.CachedAsset) error {
	type jsonCachedAsset struct {
		ContentHash string `json:"content_hash"`
		FileHash    string `json:"file_hash"`
		Size        int64  `json:"size"`
		Control     string `json:"control"`
		URL         string `json:"url"`
	}

	wire := make(map[string]jsonCachedAsset, len(cache))
	for url, asset := range cache {
		wire[url] = jsonCachedAsset{
			ContentHash: asset.ContentHash,
			FileHash:    asset.FileHash,
			Size:        asset.Size,
			Control:     asset.Control,
			URL:         asset.URL,
		}
	}

	data, err := json.MarshalIndent(wire, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func loadCache(path string) {
	var err error
	cache, err = decodeCache(path)
	if err != nil {
		fmt.Printf("Warning: could not load cache from %s: %v. Starting fresh.\n", path, err)
		cache = make(map[string]apt.CachedAsset)
	}
}

func saveCache(path string) {
	if err := encodeCache(path, cache); err != nil {
		fmt.Printf("Warning: could not save cache to %s: %v\n", path, err)
	}
}
