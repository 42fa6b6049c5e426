package pathgen

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
)

// Recover walks an upload root laid out by Path and returns the sequence number
// that follows the highest one found on disk. An empty or missing root yields 0.
func Recover(root string) (uint64, error) {
	var seq uint64
	dir := root
	for level := 0; level < groups; level++ {
		group, ok, err := highestGroup(dir)
		if err != nil {
			return 0, err
		}
		if !ok {
			if level == 0 {
				return 0, nil
			}
			// An empty intermediate directory: treat the missing lower groups as
			// their maximum so the next sequence starts a fresh directory.
			for ; level < groups; level++ {
				seq = seq*groupSize + groupSize - 1
			}
			return seq + 1, nil
		}
		seq = seq*groupSize + group.value
		dir = filepath.Join(dir, group.name)
	}
	return seq + 1, nil
}

type groupDir struct {
	name  string
	value uint64
}

func highestGroup(dir string) (groupDir, bool, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return groupDir{}, false, nil
	}
	if err != nil {
		return groupDir{}, false, err
	}
	var (
		best  groupDir
		found bool
	)
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		v, err := parseGroup(e.Name())
		if err != nil {
			continue
		}
		if !found || v > best.value {
			best = groupDir{name: e.Name(), value: v}
			found = true
		}
	}
	return best, found, nil
}
