package oai

import (
	"fmt"
	"slices"

	"github.com/pithecene-io/oaiharvest/iox"
	"github.com/pithecene-io/oaiharvest/types"
	"github.com/pithecene-io/oaiharvest/xmlrec"
)

// Dedupe removes records whose OAI identifier already appeared earlier in
// the same fetch. Chunks are visited in order, so the first occurrence wins.
// Bytes outside the dropped records are left untouched. Records without an
// identifier are never dropped. It returns the number of records removed.
func Dedupe(paths []string) (int, error) {
	seen := make(map[string]struct{})
	removed := 0
	for _, path := range paths {
		doc, err := xmlrec.ReadFile(path)
		if err != nil {
			return removed, &types.IntegrityError{Path: path, Err: err}
		}

		dropped := 0
		out := doc.Rewrite(func(i int, raw []byte) ([]byte, bool) {
			id := doc.Spans[i].Identifier
			if id == "" {
				return raw, true
			}
			if _, dup := seen[id]; dup {
				dropped++
				return nil, false
			}
			seen[id] = struct{}{}
			return raw, true
		})
		if dropped == 0 {
			continue
		}
		if err := iox.WriteFileAtomic(path, out, 0o644); err != nil {
			return removed, fmt.Errorf("dedupe: rewrite %s: %w", path, err)
		}
		removed += dropped
	}
	return removed, nil
}

// ChunkIdentifiers returns the record count of a chunk and the OAI
// identifiers of its records that carry one.
func ChunkIdentifiers(path string) (int, []string, error) {
	doc, err := xmlrec.ReadFile(path)
	if err != nil {
		return 0, nil, err
	}
	ids := slices.DeleteFunc(doc.Identifiers(), func(id string) bool { return id == "" })
	return doc.Len(), ids, nil
}

// LoadChunk reads a chunk and fails with an IntegrityError unless every
// record has exactly one identifier.
func LoadChunk(path string) (types.Chunk, error) {
	records, ids, err := ChunkIdentifiers(path)
	if err != nil {
		return types.Chunk{}, &types.IntegrityError{Path: path, Err: err}
	}
	if records != len(ids) {
		return types.Chunk{}, &types.IntegrityError{Path: path, Records: records, Identifiers: len(ids)}
	}
	return types.Chunk{Path: path, Identifiers: ids}, nil
}
