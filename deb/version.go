package deb

import (
	"fmt"
	"strconv"
	"strings"
)

// SplitVersion splits a package version into its upstream part and its
// debian revision. A version without a hyphen has an empty revision.
//
// Reference: https://www.debian.org/doc/debian-policy/ch-controlfields.html#s-f-version
func SplitVersion(version string) (upstream, revision string) {
	i := strings.LastIndex(version, "-")
	if i < 0 {
		return version, ""
	}
	return version[:i], version[i+1:]
}

// UpstreamVersion returns the upstream part of the package version.
func (p *Package) UpstreamVersion() string {
	upstream, _ := SplitVersion(p.Metadata.Version)
	return upstream
}

// Revision returns the debian revision of the package version, empty when
// the version carries none.
func (p *Package) Revision() string {
	_, revision := SplitVersion(p.Metadata.Version)
	return revision
}

// CompareRevisions orders two debian revisions of the same upstream
// version: negative when a sorts before b, zero when equal. Purely numeric
// revisions compare as integers, anything else lexicographically.
func CompareRevisions(a, b string) int {
	na, errA := strconv.Atoi(a)
	nb, errB := strconv.Atoi(b)
	if errA == nil && errB == nil {
		switch {
		case na < nb:
			return -1
		case na > nb:
			return 1
		}
		return 0
	}
	return strings.Compare(a, b)
}

// BumpVersion returns the next debian revision of a version, for republishing
// changed content under the same upstream version. A version without a
// revision gains "-1"; a numeric revision is incremented; otherwise the last
// character in 0-9a-z is advanced, '9' rolling over to 'a' and 'z' extending
// the revision with "0".
func BumpVersion(version string) string {
	upstream, revision := SplitVersion(version)
	if revision == "" {
		if strings.HasSuffix(version, "-") {
			return version + "1"
		}
		return version + "-1"
	}
	if n, err := strconv.Atoi(revision); err == nil {
		return fmt.Sprintf("%s-%d", upstream, n+1)
	}

	chars := []byte(revision)
	for i := len(chars) - 1; i >= 0; i-- {
		c := chars[i]
		switch {
		case c >= '0' && c <= '8', c >= 'a' && c <= 'y':
			chars[i] = c + 1
			return upstream + "-" + string(chars)
		case c == '9':
			chars[i] = 'a'
			return upstream + "-" + string(chars)
		case c == 'z':
			return upstream + "-" + revision + "0"
		}
	}
	return upstream + "-" + revision + "0"
}
