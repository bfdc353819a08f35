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

package fingerprint

import (
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"runtime"
	"sync"

	"forgecache/pkg/pipgraph"
)

// FileHashResult is one file's content hash, paired with the path that
// produced it so results can be put back into input order regardless
// of which worker finished first.
type FileHashResult struct {
	Path string
	Hash pipgraph.ContentHash
	Err  error
}

// HashFiles hashes each of paths concurrently over a small worker pool
// (bounded by runtime.NumCPU) and returns one result per input path, in
// the same order paths were given — the fan-out/fan-in/reassemble-by-path
// pattern keeps hashing deterministic irrespective of goroutine
// completion order, since callers always observe results put back
// into input order rather than arrival order.
func HashFiles(paths []string) []FileHashResult {
	if len(paths) == 0 {
		return nil
	}

	nWorkers := runtime.NumCPU()
	if nWorkers > len(paths) {
		nWorkers = len(paths)
	}
	if nWorkers < 1 {
		nWorkers = 1
	}

	jobs := make(chan string, len(paths))
	results := make(chan FileHashResult, len(paths))

	var wg sync.WaitGroup
	for i := 0; i < nWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for p := range jobs {
				results <- hashOneFile(p)
			}
		}()
	}
	for _, p := range paths {
		jobs <- p
	}
	close(jobs)
	wg.Wait()
	close(results)

	byPath := make(map[string]FileHashResult, len(paths))
	for r := range results {
		byPath[r.Path] = r
	}

	out := make([]FileHashResult, len(paths))
	for i, p := range paths {
		out[i] = byPath[p]
	}
	return out
}

func hashOneFile(path string) FileHashResult {
	f, err := os.Open(path)
	if err != nil {
		return FileHashResult{Path: path, Err: fmt.Errorf("fingerprint: open %s: %w", path, err)}
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return FileHashResult{Path: path, Err: fmt.Errorf("fingerprint: read %s: %w", path, err)}
	}
	var arr [32]byte
	copy(arr[:], h.Sum(nil))
	return FileHashResult{Path: path, Hash: pipgraph.NewContentHash(pipgraph.HashAlgoSHA256, arr)}
}
