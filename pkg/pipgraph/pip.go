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

// PipID is a dense integer identifying a pip within a single PipGraph.
type PipID int32

// PipKind tags the variant carried by a Pip. Dispatch on kind, not on a
// virtual method, is deliberate: it keeps PipExecutor's state machine a
// single flat switch instead of N small types each owning a slice of
// behavior.
type PipKind int

const (
	PipKindProcess PipKind = iota
	PipKindWriteFile
	PipKindCopyFile
	PipKindSealDirectory
	PipKindIpc
	PipKindMeta
)

func (k PipKind) String() string {
	switch k {
	case PipKindProcess:
		return "Process"
	case PipKindWriteFile:
		return "WriteFile"
	case PipKindCopyFile:
		return "CopyFile"
	case PipKindSealDirectory:
		return "SealDirectory"
	case PipKindIpc:
		return "Ipc"
	case PipKindMeta:
		return "Meta"
	default:
		return "Unknown"
	}
}

// ProcessData is the kind-specific payload of a PipKindProcess pip.
type ProcessData struct {
	Executable      PathID
	Arguments       []string
	WorkingDir      PathID
	EnvTracked      map[string]string // value enters the weak fingerprint
	EnvPassthrough  []string          // only the name enters the weak fingerprint
	UntrackedScopes []PathID
	AllowedSources  []PathID
	OutputRoots     []PathID
	Timeout         int64 // seconds, 0 = no timeout
}

// WriteFileData is the payload of a PipKindWriteFile pip.
type WriteFileData struct {
	Destination FileArtifact
	Contents    []byte
}

// CopyFileData is the payload of a PipKindCopyFile pip.
type CopyFileData struct {
	Source      FileArtifact
	Destination FileArtifact
}

// SealDirectoryData is the payload of a PipKindSealDirectory pip.
type SealDirectoryData struct {
	Directory DirectoryArtifact
	Members   []FileArtifact // meaningful only for non-opaque kinds
}

// IpcData is the payload of a PipKindIpc pip: an out-of-process message
// sent to a long-lived service pip, carrying no file I/O of its own.
type IpcData struct {
	MonikerID string
	Payload   []byte
}

// Pip is a single node in the build graph: a tagged variant over the six
// pip kinds, plus the metadata every kind shares.
type Pip struct {
	ID             PipID
	Kind           PipKind
	SemiStableHash uint64 // stable across runs of structurally-identical pips
	Tags           []string
	Priority       int32
	Weight         int32 // expected peak resource demand, used by Dispatcher admission

	DeclaredInputs  []FileArtifact
	DeclaredOutputs []FileArtifact
	InputDirs       []DirectoryArtifact
	OutputDirs      []DirectoryArtifact

	DisableCacheLookup bool

	Process       *ProcessData
	WriteFile     *WriteFileData
	CopyFile      *CopyFileData
	SealDirectory *SealDirectoryData
	Ipc           *IpcData
}
