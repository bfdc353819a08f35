// forgecache is a distributed, content-addressed, incrementally cached build execution engine.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package sharedopaque

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// XattrMarker marks files with the extended attribute named by
// MarkAttrName. This is the marker forgecache runs in production.
type XattrMarker struct {
	Policy SymlinkPolicy
}

var _ Marker = (*XattrMarker)(nil)

// NewXattrMarker returns an XattrMarker applying policy.
func NewXattrMarker(policy SymlinkPolicy) *XattrMarker {
	return &XattrMarker{Policy: policy}
}

func (m *XattrMarker) stat(path string) (unix.Stat_t, error) {
	var st unix.Stat_t
	var err error
	if m.Policy == FollowSymlinks {
		err = unix.Stat(path, &st)
	} else {
		err = unix.Lstat(path, &st)
	}
	return st, err
}

// Mark sets the shared-opaque xattr on path, refusing if the file's
// hardlink count exceeds expectedHardlinks.
func (m *XattrMarker) Mark(path string, expectedHardlinks int) error {
	st, err := m.stat(path)
	if err != nil {
		return fmt.Errorf("sharedopaque: stat %s: %w", path, err)
	}
	if int(st.Nlink) > expectedHardlinks {
		return fmt.Errorf("sharedopaque: refusing to mark %s: hardlink count %d exceeds expected %d", path, st.Nlink, expectedHardlinks)
	}
	if err := unix.Setxattr(path, MarkAttrName, []byte{1}, 0); err != nil {
		return fmt.Errorf("sharedopaque: setxattr %s: %w", path, err)
	}
	return nil
}

// IsMarked reports whether path carries a non-zero-valued mark xattr.
func (m *XattrMarker) IsMarked(path string) (bool, error) {
	buf := make([]byte, 16)
	n, err := unix.Getxattr(path, MarkAttrName, buf)
	if err != nil {
		if err == unix.ENODATA || os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("sharedopaque: getxattr %s: %w", path, err)
	}
	for i := 0; i < n; i++ {
		if buf[i] != 0 {
			return true, nil
		}
	}
	return false, nil
}

// TimestampMarker marks files by setting their modification time to the
// well-known sentinel, for hosts without reliable xattr support for this
// purpose. It reuses the mtime field rather than creation time, since
// Go's standard library exposes no portable creation-time setter.
type TimestampMarker struct {
	Policy SymlinkPolicy
}

var _ Marker = (*TimestampMarker)(nil)

// NewTimestampMarker returns a TimestampMarker applying policy.
func NewTimestampMarker(policy SymlinkPolicy) *TimestampMarker {
	return &TimestampMarker{Policy: policy}
}

func sentinelTime() unix.Timespec {
	return unix.NsecToTimespec(SentinelCreationUnixNano)
}

func (m *TimestampMarker) Mark(path string, expectedHardlinks int) error {
	var st unix.Stat_t
	var err error
	if m.Policy == FollowSymlinks {
		err = unix.Stat(path, &st)
	} else {
		err = unix.Lstat(path, &st)
	}
	if err != nil {
		return fmt.Errorf("sharedopaque: stat %s: %w", path, err)
	}
	if int(st.Nlink) > expectedHardlinks {
		return fmt.Errorf("sharedopaque: refusing to mark %s: hardlink count %d exceeds expected %d", path, st.Nlink, expectedHardlinks)
	}
	ts := sentinelTime()
	times := []unix.Timespec{ts, ts}
	flags := 0
	if m.Policy == NoFollowSymlinks {
		flags = unix.AT_SYMLINK_NOFOLLOW
	}
	if err := unix.UtimesNanoAt(unix.AT_FDCWD, path, times, flags); err != nil {
		return fmt.Errorf("sharedopaque: utimes %s: %w", path, err)
	}
	return nil
}

func (m *TimestampMarker) IsMarked(path string) (bool, error) {
	var st unix.Stat_t
	var err error
	if m.Policy == FollowSymlinks {
		err = unix.Stat(path, &st)
	} else {
		err = unix.Lstat(path, &st)
	}
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("sharedopaque: stat %s: %w", path, err)
	}
	return st.Mtim.Nano() == SentinelCreationUnixNano, nil
}
