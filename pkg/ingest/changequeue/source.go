// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package changequeue

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
)

// Source is the push interface feeding Events into a Queue (the
// file-change source). It wraps fsnotify so a project's watch command can
// drive the queue as files change on disk.
type Source struct {
	watcher *fsnotify.Watcher
	queue   *Queue
	logger  *slog.Logger
	done    chan struct{}
	root    string
}

// NewSource creates an fsnotify-backed Source that submits events to q.
func NewSource(q *Queue, logger *slog.Logger) (*Source, error) {
	if logger == nil {
		logger = slog.Default()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	return &Source{watcher: w, queue: q, logger: logger, done: make(chan struct{})}, nil
}

// Watch adds root and every subdirectory to the watch list. Events
// reported afterward carry paths relative to root, matching the
// convention Crawler.Scan uses, so the two sources are interchangeable
// from the orchestrator's point of view.
func (s *Source) Watch(root string) error {
	s.root = root
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if addErr := s.watcher.Add(path); addErr != nil {
				s.logger.Warn("changequeue.watch.add.failed", "path", path, "err", addErr)
			}
		}
		return nil
	})
}

// Run drains fsnotify events into the queue until Close is called.
func (s *Source) Run() {
	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			s.handle(ev)
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("changequeue.watch.error", "err", err)
		case <-s.done:
			return
		}
	}
}

func (s *Source) handle(ev fsnotify.Event) {
	var ct ChangeType
	switch {
	case ev.Has(fsnotify.Create):
		ct = Created
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if addErr := s.watcher.Add(ev.Name); addErr != nil {
				s.logger.Warn("changequeue.watch.add.failed", "path", ev.Name, "err", addErr)
			}
			return
		}
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		ct = Deleted
	case ev.Has(fsnotify.Write):
		ct = Updated
	default:
		return
	}

	path := ev.Name
	if s.root != "" {
		if rel, err := filepath.Rel(s.root, ev.Name); err == nil {
			path = filepath.ToSlash(rel)
		}
	}
	s.queue.Submit(Event{Path: path, ChangeType: ct, ProjectID: s.queue.projectID})
}

// Close stops the watcher.
func (s *Source) Close() error {
	close(s.done)
	return s.watcher.Close()
}

// Crawler is the pull fallback for initial ingestion: a full filesystem
// walk producing a hash-based diff against a previously recorded state.
// Modeled directly on a prior FilterDelta (glob exclusion, max
// file size, NUL-byte binary sniffing).
type Crawler struct {
	ExcludeGlobs []string
	MaxFileSize  int64
}

// FileState is what the crawler remembers about one file between scans.
type FileState struct {
	ContentHash string
}

// Scan walks root and returns Events comparing the current tree against
// prevState (file path -> content hash from the previous scan). Absent
// from prevState is Created; present but hash-changed is Updated; paths
// in prevState no longer found are Deleted. Returns the new state map
// too, so callers can persist it for the next scan.
func (c *Crawler) Scan(root string, prevState map[string]FileState) ([]Event, map[string]FileState, error) {
	newState := make(map[string]FileState)
	seen := make(map[string]bool)

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			rel = path
		}
		rel = filepath.ToSlash(rel)

		if c.excluded(rel) || !c.eligible(path) {
			return nil
		}

		hash, hashErr := hashFile(path)
		if hashErr != nil {
			return nil
		}
		newState[rel] = FileState{ContentHash: hash}
		seen[rel] = true
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("walk %s: %w", root, err)
	}

	var events []Event
	for rel, st := range newState {
		prev, existed := prevState[rel]
		switch {
		case !existed:
			events = append(events, Event{Path: rel, ChangeType: Created})
		case prev.ContentHash != st.ContentHash:
			events = append(events, Event{Path: rel, ChangeType: Updated})
		}
	}
	for rel := range prevState {
		if !seen[rel] {
			events = append(events, Event{Path: rel, ChangeType: Deleted})
		}
	}

	sort.Slice(events, func(i, j int) bool { return events[i].Path < events[j].Path })
	return events, newState, nil
}

func (c *Crawler) excluded(relPath string) bool {
	for _, pattern := range c.ExcludeGlobs {
		if ok, _ := doublestar.Match(pattern, relPath); ok {
			return true
		}
	}
	return false
}

func (c *Crawler) eligible(fullPath string) bool {
	info, err := os.Lstat(fullPath)
	if err != nil {
		return false
	}
	if info.Mode()&os.ModeSymlink != 0 || info.IsDir() {
		return false
	}
	if c.MaxFileSize > 0 && info.Size() > c.MaxFileSize {
		return false
	}

	f, err := os.Open(fullPath)
	if err != nil {
		return false
	}
	defer f.Close()

	const sniff = 8192
	buf := make([]byte, sniff)
	n, _ := io.ReadFull(f, buf)
	if n <= 0 {
		return true
	}
	return bytes.IndexByte(buf[:n], 0x00) < 0
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}
