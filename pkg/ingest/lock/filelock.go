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

package lock

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

// FileLock is the cross-process variant of Lock: a PID-stamped, flock(2)
// exclusive lock file under the project's data directory. It guards the
// CLI's single-daemon guarantee (two cie-ingest processes against the
// same project must not ingest concurrently) the same way
// IndexQueue guards `cie index`.
type FileLock struct {
	path string
	f    *os.File
}

// NewFileLock returns a FileLock for projectDataDir/ingest.lock. The
// directory is created if absent.
func NewFileLock(projectDataDir string) (*FileLock, error) {
	if err := os.MkdirAll(projectDataDir, 0750); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	return &FileLock{path: filepath.Join(projectDataDir, "ingest.lock")}, nil
}

// TryAcquire attempts a non-blocking exclusive flock. Returns false, nil
// if another process already holds it.
func (fl *FileLock) TryAcquire() (bool, error) {
	f, err := os.OpenFile(fl.path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return false, fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		if err == syscall.EWOULDBLOCK {
			return false, nil
		}
		return false, fmt.Errorf("flock: %w", err)
	}

	if err := f.Truncate(0); err != nil {
		_ = f.Close()
		return false, fmt.Errorf("truncate lock file: %w", err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		_ = f.Close()
		return false, fmt.Errorf("seek lock file: %w", err)
	}
	if _, err := fmt.Fprintf(f, "%d %d\n", os.Getpid(), time.Now().Unix()); err != nil {
		_ = f.Close()
		return false, fmt.Errorf("write lock file: %w", err)
	}

	fl.f = f
	return true, nil
}

// Release unlocks and closes the lock file.
func (fl *FileLock) Release() error {
	if fl.f == nil {
		return nil
	}
	err := syscall.Flock(int(fl.f.Fd()), syscall.LOCK_UN)
	closeErr := fl.f.Close()
	fl.f = nil
	if err != nil {
		return fmt.Errorf("unlock: %w", err)
	}
	return closeErr
}
