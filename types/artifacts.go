package types

import (
	"fmt"
	"os"
	"slices"

	"github.com/vmihailenco/msgpack/v5"
)

// IdentifiersSuffix is appended to an artifact path to name its identifier sidecar.
const IdentifiersSuffix = ".ids"

// UploadMode selects how the sink integrates a submitted file.
type UploadMode string

// Upload modes. The filter stage partitions records into the first four.
const (
	UploadInsert          UploadMode = "insert"
	UploadCorrect         UploadMode = "correct"
	UploadAppend          UploadMode = "append"
	UploadHoldingPen      UploadMode = "holdingpen"
	UploadReplaceOrInsert UploadMode = "replace_or_insert"
)

// FilterModes lists the filter partitions in submission order.
var FilterModes = []UploadMode{UploadInsert, UploadCorrect, UploadAppend, UploadHoldingPen}

// Chunk is one harvested response page on disk.
type Chunk struct {
	Path        string
	Identifiers []string
}

// Artifact is the pipeline's working file at a given stage.
// Identifiers[i] is the OAI identifier of the i-th record in the file.
type Artifact struct {
	Path        string
	Identifiers []string
}

// Derive returns an artifact at path carrying the same identifiers.
// The slice is cloned so no stage can mutate its predecessor's list.
func (a Artifact) Derive(path string) Artifact {
	return Artifact{Path: path, Identifiers: slices.Clone(a.Identifiers)}
}

// identifierSidecar is the msgpack layout of an ".ids" file.
type identifierSidecar struct {
	Path        string   `msgpack:"path"`
	Identifiers []string `msgpack:"identifiers"`
}

// SaveIdentifiers writes the identifier sidecar next to the artifact.
func (a Artifact) SaveIdentifiers() error {
	data, err := msgpack.Marshal(identifierSidecar{Path: a.Path, Identifiers: a.Identifiers})
	if err != nil {
		return fmt.Errorf("encode identifiers for %s: %w", a.Path, err)
	}
	if err := os.WriteFile(a.Path+IdentifiersSuffix, data, 0o644); err != nil {
		return fmt.Errorf("write identifiers for %s: %w", a.Path, err)
	}
	return nil
}

// LoadArtifact reopens an artifact from its identifier sidecar.
func LoadArtifact(path string) (Artifact, error) {
	data, err := os.ReadFile(path + IdentifiersSuffix)
	if err != nil {
		return Artifact{}, fmt.Errorf("read identifiers for %s: %w", path, err)
	}
	var side identifierSidecar
	if err := msgpack.Unmarshal(data, &side); err != nil {
		return Artifact{}, fmt.Errorf("decode identifiers for %s: %w", path, err)
	}
	return Artifact{Path: path, Identifiers: side.Identifiers}, nil
}

// SameIdentifiers reports whether two ordered identifier lists are equal.
func SameIdentifiers(a, b []string) bool {
	return slices.Equal(a, b)
}
