// Package release queries a GitHub-style release API and resolves
// releases into download targets: releases where every required asset
// role is matched by name pattern.
package release

import (
	"fmt"
	"regexp"
	"time"
)

// Release is one tagged upstream release as returned by the API.
type Release struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	TagName     string    `json:"tag_name"`
	Prerelease  bool      `json:"prerelease"`
	CreatedAt   time.Time `json:"created_at"`
	PublishedAt time.Time `json:"published_at"`
	Assets      []Asset   `json:"assets"`
}

// Asset is a single downloadable file attached to a release.
type Asset struct {
	ID                 int64     `json:"id"`
	Name               string    `json:"name"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
	BrowserDownloadURL string    `json:"browser_download_url"`
}

// AssetRole names the purpose an asset serves within a release target.
// The set is closed: target specs using any other role are rejected.
type AssetRole string

const (
	// RoleArchive is the binary payload archive.
	RoleArchive AssetRole = "archive"
	// RoleManifest is the hash manifest listing payload digests.
	RoleManifest AssetRole = "manifest"
	// RoleSignature is the detached signature over the hash manifest.
	RoleSignature AssetRole = "signature"
	// RoleExtra is an auxiliary file shipped alongside the payload,
	// typically a license text.
	RoleExtra AssetRole = "extra"
)

func (r AssetRole) valid() bool {
	switch r {
	case RoleArchive, RoleManifest, RoleSignature, RoleExtra:
		return true
	}
	return false
}

// TargetSpec describes what a usable release must provide: a tag shape
// carrying the version, optionally a title shape, and one filename
// pattern per required role.
type TargetSpec struct {
	// TitlePattern, when set, must match the release name.
	TitlePattern *regexp.Regexp

	// TagPattern must match the release tag. Its first capture group is
	// the version string.
	TagPattern *regexp.Regexp

	// Roles maps each required role to the pattern its asset filename
	// must match. A release qualifies only when every role here found an
	// asset.
	Roles map[AssetRole]*regexp.Regexp

	// IncludePrereleases admits releases flagged as prerelease.
	IncludePrereleases bool
}

func (s TargetSpec) validate() error {
	if s.TagPattern == nil {
		return fmt.Errorf("release: target spec: tag pattern is required")
	}
	if s.TagPattern.NumSubexp() < 1 {
		return fmt.Errorf("release: target spec: tag pattern %q has no capture group for the version", s.TagPattern)
	}
	if len(s.Roles) == 0 {
		return fmt.Errorf("release: target spec: at least one role pattern is required")
	}
	for role, pattern := range s.Roles {
		if !role.valid() {
			return fmt.Errorf("release: target spec: unknown role %q", role)
		}
		if pattern == nil {
			return fmt.Errorf("release: target spec: role %q has no pattern", role)
		}
	}
	return nil
}

// TargetFile is an asset resolved to a role.
type TargetFile struct {
	Role      AssetRole
	Name      string
	CreatedAt time.Time
	UpdatedAt time.Time
	URL       string
}

// ReleaseTarget is a release in which every required role resolved to an
// asset. Targets are complete by construction: releases with a partial
// role set are discarded during listing, never yielded.
type ReleaseTarget struct {
	Name        string
	Version     string
	Prerelease  bool
	CreatedAt   time.Time
	PublishedAt time.Time
	Files       map[AssetRole]TargetFile
}

// matchTarget resolves rel against spec. ok is false when the release is
// filtered out or any required role found no asset.
//
// One asset may satisfy several roles; within a single role, a later
// asset replaces an earlier match.
func matchTarget(rel Release, spec TargetSpec) (ReleaseTarget, bool) {
	if rel.Prerelease && !spec.IncludePrereleases {
		return ReleaseTarget{}, false
	}
	if spec.TitlePattern != nil && !spec.TitlePattern.MatchString(rel.Name) {
		return ReleaseTarget{}, false
	}
	tagMatch := spec.TagPattern.FindStringSubmatch(rel.TagName)
	if tagMatch == nil {
		return ReleaseTarget{}, false
	}

	files := make(map[AssetRole]TargetFile, len(spec.Roles))
	for _, asset := range rel.Assets {
		for role, pattern := range spec.Roles {
			if !pattern.MatchString(asset.Name) {
				continue
			}
			files[role] = TargetFile{
				Role:      role,
				Name:      asset.Name,
				CreatedAt: asset.CreatedAt,
				UpdatedAt: asset.UpdatedAt,
				URL:       asset.BrowserDownloadURL,
			}
		}
	}
	if len(files) != len(spec.Roles) {
		return ReleaseTarget{}, false
	}

	return ReleaseTarget{
		Name:        rel.Name,
		Version:     tagMatch[1],
		Prerelease:  rel.Prerelease,
		CreatedAt:   rel.CreatedAt,
		PublishedAt: rel.PublishedAt,
		Files:       files,
	}, true
}

// CompareReleases orders two targets by their (CreatedAt, PublishedAt)
// tuple: negative when a precedes b, positive when a follows b, zero when
// both timestamps are equal. "Latest" is the maximum under this order,
// so a tie on CreatedAt is broken by PublishedAt.
func CompareReleases(a, b ReleaseTarget) int {
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	return a.PublishedAt.Compare(b.PublishedAt)
}

// CompareFiles orders two target files by their (CreatedAt, UpdatedAt)
// tuple.
func CompareFiles(a, b TargetFile) int {
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	return a.UpdatedAt.Compare(b.UpdatedAt)
}

// Latest returns the maximum target under CompareReleases, or false when
// targets is empty.
func Latest(targets []ReleaseTarget) (ReleaseTarget, bool) {
	if len(targets) == 0 {
		return ReleaseTarget{}, false
	}
	best := targets[0]
	for _, t := range targets[1:] {
		if CompareReleases(t, best) > 0 {
			best = t
		}
	}
	return best, true
}
