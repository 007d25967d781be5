package store

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"sort"

	"github.com/mxwashington/regiq-sub010/internal/model"
)

// State is the on-disk snapshot used by the memory driver.
type State struct {
	Cursors []model.SourceCursor      `json:"cursors"`
	Health  []model.SourceHealthState `json:"health"`
}

// LoadState reads path. A missing file is an empty state.
func LoadState(path string) (State, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return State{}, nil
	}
	if err != nil {
		return State{}, err
	}
	var s State
	return s, json.Unmarshal(b, &s)
}

func SaveState(path string, s State) error {
	sort.Slice(s.Cursors, func(i, j int) bool { return s.Cursors[i].SourceName < s.Cursors[j].SourceName })
	sort.Slice(s.Health, func(i, j int) bool { return s.Health[i].SourceName < s.Health[j].SourceName })
	b, err := json.MarshalIndent(s, "", " ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
