package fastrouter

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
	"gonum.org/v1/gonum/mat"

	"github.com/llama-farm/atmosphere/internal/embedding"
)

// cacheVersion is bumped whenever the binary cache format changes.
const cacheVersion uint32 = 1

// cacheMagic identifies the file format.
const cacheMagic uint32 = 0x4153524d // "ASRM"

// vectorCache holds the project-path order and the dense embedding
// matrix built from the in-order concatenation of each project's
// {domain, topics, description, name}.
type vectorCache struct {
	paths  []string
	matrix *mat.Dense
	dim    int
}

// pathSetHash hashes the sorted path set so cache staleness can be
// detected without re-embedding, consistent with the embedding engine's
// own hashing choice (xxhash).
func pathSetHash(paths []string) uint64 {
	sorted := append([]string(nil), paths...)
	sort.Strings(sorted)
	return xxhash.Sum64String(strings.Join(sorted, "\x00"))
}

// loadOrBuildCache reads cachePath if its recorded path-set hash matches
// the current project set, otherwise embeds every project fresh and
// writes a new cache file. An empty cachePath always rebuilds in memory
// without persisting.
func loadOrBuildCache(ctx context.Context, embedder *embedding.Engine, cachePath string, paths []string, projects []*Project) (*vectorCache, error) {
	wantHash := pathSetHash(paths)

	if cachePath != "" {
		if cache, err := readCache(cachePath, paths, wantHash); err == nil {
			return cache, nil
		}
	}

	dim := embedder.Dimension()
	vectors := make([][]float32, len(projects))
	for i, p := range projects {
		v, err := embedder.Embed(ctx, p.embedText(), true)
		if err != nil {
			return nil, fmt.Errorf("fastrouter: embed project %s: %w", p.Path(), err)
		}
		vectors[i] = v
	}
	matrix := embedding.BuildMatrix(vectors, dim)
	cache := &vectorCache{paths: paths, matrix: matrix, dim: dim}

	if cachePath != "" {
		if err := writeCache(cachePath, wantHash, cache); err != nil {
			return nil, fmt.Errorf("fastrouter: persist vector cache: %w", err)
		}
	}
	return cache, nil
}

// writeCache persists the versioned header, path-set hash, path list,
// and raw float32 matrix.
func writeCache(path string, pathHash uint64, cache *vectorCache) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	if err := binary.Write(w, binary.LittleEndian, cacheMagic); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, cacheVersion); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, pathHash); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(cache.paths))); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(cache.dim)); err != nil {
		return err
	}
	for _, p := range cache.paths {
		if err := binary.Write(w, binary.LittleEndian, uint32(len(p))); err != nil {
			return err
		}
		if _, err := w.WriteString(p); err != nil {
			return err
		}
	}
	rows, cols := cache.matrix.Dims()
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			if err := binary.Write(w, binary.LittleEndian, math.Float32bits(float32(cache.matrix.At(i, j)))); err != nil {
				return err
			}
		}
	}
	return w.Flush()
}

// readCache loads a previously-written cache, rejecting it if the magic,
// version, or path-set hash don't match.
func readCache(path string, wantPaths []string, wantHash uint64) (*vectorCache, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var magic, version uint32
	var hash uint64
	if err := binary.Read(r, binary.LittleEndian, &magic); err != nil || magic != cacheMagic {
		return nil, fmt.Errorf("fastrouter: bad cache magic")
	}
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil || version != cacheVersion {
		return nil, fmt.Errorf("fastrouter: unsupported cache version")
	}
	if err := binary.Read(r, binary.LittleEndian, &hash); err != nil || hash != wantHash {
		return nil, fmt.Errorf("fastrouter: path set changed, cache stale")
	}

	var numPaths, dim uint32
	if err := binary.Read(r, binary.LittleEndian, &numPaths); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.LittleEndian, &dim); err != nil {
		return nil, err
	}

	paths := make([]string, numPaths)
	for i := range paths {
		var n uint32
		if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
			return nil, err
		}
		buf := make([]byte, n)
		if _, err := r.Read(buf); err != nil {
			return nil, err
		}
		paths[i] = string(buf)
	}

	m := mat.NewDense(int(numPaths), int(dim), nil)
	for i := 0; i < int(numPaths); i++ {
		for j := 0; j < int(dim); j++ {
			var bits uint32
			if err := binary.Read(r, binary.LittleEndian, &bits); err != nil {
				return nil, err
			}
			m.Set(i, j, float64(math.Float32frombits(bits)))
		}
	}

	return &vectorCache{paths: paths, matrix: m, dim: int(dim)}, nil
}
