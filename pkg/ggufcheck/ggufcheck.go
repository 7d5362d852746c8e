// Package ggufcheck validates .gguf model files, discovers shard files, and
// extracts basic header metadata.
package ggufcheck

import (
	"fmt"
	"strings"

	parser "github.com/gpustack/gguf-parser-go"
)

// Metadata is the subset of GGUF header fields kolosal-server cares about.
type Metadata struct {
	Architecture string
	Quantization string
	Parameters   string
	Size         string
}

// DiscoverShards returns every shard file belonging to the model at path.
// For a single-file model it returns a slice containing only path.
func DiscoverShards(path string) []string {
	shards := parser.CompleteShardGGUFFilename(path)
	if len(shards) == 0 {
		return []string{path}
	}
	return shards
}

// Validate parses path as a GGUF file, returning an error if it is not a
// well-formed GGUF model. The engine coordinator's add/register path does
// not call it; that path only checks that the model path exists (and, for a
// directory, that it holds a .gguf file).
func Validate(path string) (Metadata, error) {
	gguf, err := parser.ParseGGUFFile(path)
	if err != nil {
		return Metadata{}, fmt.Errorf("parse gguf file %s: %w", path, err)
	}

	md := gguf.Metadata()
	return Metadata{
		Architecture: strings.TrimSpace(md.Architecture),
		Quantization: strings.TrimSpace(md.FileType.String()),
		Parameters:   strings.TrimSpace(md.Parameters.String()),
		Size:         strings.TrimSpace(md.Size.String()),
	}, nil
}

// IsGGUFPath reports whether path has the ".gguf" extension, a cheap
// pre-check used before the more expensive header parse.
func IsGGUFPath(path string) bool {
	return strings.HasSuffix(strings.ToLower(path), ".gguf")
}
