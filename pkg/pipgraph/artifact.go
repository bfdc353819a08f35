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

package pipgraph

// FileArtifact identifies a file by interned path plus a rewrite count.
// RewriteCount 0 means a source file; a count above 0 identifies the
// Nth output written to that path, and every (Path, RewriteCount>0)
// pair is produced by at most one pip.
type FileArtifact struct {
	Path         PathID
	RewriteCount int32
}

// IsSourceFile reports whether this artifact is an original source file.
func (f FileArtifact) IsSourceFile() bool { return f.RewriteCount == 0 }

// DirectoryKind classifies how a DirectoryArtifact's membership is known.
type DirectoryKind int

const (
	DirectoryKindFull DirectoryKind = iota
	DirectoryKindPartial
	DirectoryKindSourceAllDirectories
	DirectoryKindSourceTopDirectoryOnly
	DirectoryKindExclusiveOpaque
	DirectoryKindSharedOpaque
)

func (k DirectoryKind) String() string {
	switch k {
	case DirectoryKindFull:
		return "Full"
	case DirectoryKindPartial:
		return "Partial"
	case DirectoryKindSourceAllDirectories:
		return "SourceAllDirectories"
	case DirectoryKindSourceTopDirectoryOnly:
		return "SourceTopDirectoryOnly"
	case DirectoryKindExclusiveOpaque:
		return "ExclusiveOpaque"
	case DirectoryKindSharedOpaque:
		return "SharedOpaque"
	default:
		return "Unknown"
	}
}

// IsOpaque reports whether membership of this directory is observed
// dynamically rather than declared statically.
func (k DirectoryKind) IsOpaque() bool {
	return k == DirectoryKindExclusiveOpaque || k == DirectoryKindSharedOpaque
}

// SealID identifies a particular directory seal.
type SealID int32

// DirectoryArtifact is a sealed directory: a path, the seal that produced
// it, and the kind governing enumeration/membership semantics.
type DirectoryArtifact struct {
	Path PathID
	Seal SealID
	Kind DirectoryKind
}
