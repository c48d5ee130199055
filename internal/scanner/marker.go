package scanner

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// MarkerFile is the optional per-repo opt-out file dropped inside a
// working copy. A marker with exclude = true takes the repo out of both
// sync directions, exactly like an exclude_repos entry in the config.
const MarkerFile = ".orgmirror.toml"

// Marker holds the decoded contents of a MarkerFile.
type Marker struct {
	Exclude bool   `toml:"exclude"`
	Note    string `toml:"note"`
}

// ReadMarker loads the marker for the repo at repoPath. A missing file
// yields the zero Marker; a malformed file is an error so a typo cannot
// silently re-enable syncing.
func ReadMarker(repoPath string) (Marker, error) {
	var m Marker
	path := filepath.Join(repoPath, MarkerFile)
	if _, err := toml.DecodeFile(path, &m); err != nil {
		if os.IsNotExist(err) {
			return Marker{}, nil
		}
		return Marker{}, fmt.Errorf("read marker %s: %w", path, err)
	}
	return m, nil
}
