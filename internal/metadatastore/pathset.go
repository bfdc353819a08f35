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

package metadatastore

import (
	"crypto/sha256"
	"encoding/hex"

	"forgecache/internal/fingerprint"
	"forgecache/pkg/pipgraph"
)

func encodePathSet(ps pipgraph.PathSet) []byte {
	return fingerprint.SerializePathSet(fingerprint.CanonicalizePathSet(ps))
}

func decodePathSet(data []byte) pipgraph.PathSet {
	return fingerprint.ParsePathSet(data)
}

// PathSetID returns the content-addressed id of ps's canonical bytes.
func PathSetID(ps pipgraph.PathSet) string {
	sum := sha256.Sum256(encodePathSet(ps))
	return hex.EncodeToString(sum[:])
}
