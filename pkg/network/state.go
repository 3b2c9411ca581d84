// Package network runs the coding agent in turns against shared run state until the
// agent reports completion or the turn bound is reached.
package network

import (
	"appbuilder/pkg/proto"
)

// State is the mutable state of one run. It is owned by the Router for the run's
// duration; tools write files through MergeFiles only.
//
// A run is a single thread of control, so State is not safe for concurrent use.
type State struct {
	files   *proto.FileSet
	summary string
}

// NewState returns an empty state.
func NewState() *State {
	return &State{files: proto.NewFileSet()}
}

// SetSummaryIfUnset records summary unless one is already set or summary is empty.
// It reports whether the value was stored.
func (s *State) SetSummaryIfUnset(summary string) bool {
	if s.summary != "" || summary == "" {
		return false
	}
	s.summary = summary
	return true
}

// Summary returns the completion summary, or "" while the task is unfinished.
func (s *State) Summary() string {
	return s.summary
}

// MergeFiles adds or overwrites files. Later entries win for a repeated path.
func (s *State) MergeFiles(files []proto.File) {
	for _, f := range files {
		s.files.Put(f.Path, f.Content)
	}
}

// Files returns a snapshot of the accumulated files.
func (s *State) Files() *proto.FileSet {
	return s.files.Clone()
}
