package plan

import (
	"encoding/json"
	"fmt"
)

// Listener is a callback receiving events during a build.
type Listener func(fmt.Stringer)

func jsonString(v interface{}) string {
	b, _ := json.Marshal(map[string]interface{}{
		fmt.Sprintf("%T", v): v,
	})
	return string(b)
}

// EventTargetResolved is emitted when the newest usable release is found.
type EventTargetResolved struct {
	Repo       string `json:"repo,omitempty"`
	Version    string `json:"version,omitempty"`
	Prerelease bool   `json:"prerelease,omitempty"`
}

func (e EventTargetResolved) String() string { return jsonString(e) }

// EventExtract is emitted once the verified archive has been unpacked.
type EventExtract struct {
	Root  string `json:"root,omitempty"`
	Files int    `json:"files,omitempty"`
	Bytes int64  `json:"bytes,omitempty"`
}

func (e EventExtract) String() string { return jsonString(e) }

// EventPackageWrite is emitted when a package is written to disk, or
// skipped because the published build already carries the same content.
type EventPackageWrite struct {
	Package      string `json:"package,omitempty"`
	Version      string `json:"version,omitempty"`
	Architecture string `json:"architecture,omitempty"`
	Path         string `json:"path,omitempty"`
	Skipped      bool   `json:"skipped,omitempty"`
}

func (e EventPackageWrite) String() string { return jsonString(e) }

// EventVersionBump is emitted when a package's content changed under an
// already-published version, forcing a new revision.
type EventVersionBump struct {
	Package         string `json:"package,omitempty"`
	PreviousVersion string `json:"previous_version,omitempty"`
	Version         string `json:"version,omitempty"`
}

func (e EventVersionBump) String() string { return jsonString(e) }
