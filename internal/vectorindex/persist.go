package vectorindex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	chromem "github.com/philippgille/chromem-go"

	"github.com/dshills/convosearch/pkg/types"
)

// Files written by Flush
const (
	DataFile     = "vectors.gob.gz"
	ManifestFile = "vectors.manifest.json"

	manifestVersion = 1
)

// ErrNoSnapshot is returned by Load when no index has been flushed yet
var ErrNoSnapshot = errors.New("no vector index snapshot")

// Manifest describes a flushed index
type Manifest struct {
	Version   int       `json:"version"`
	IndexID   string    `json:"index_id"`
	Seq       uint64    `json:"seq"`
	Dimension int       `json:"dimension"`
	Keys      []string  `json:"keys"`
	SavedAt   time.Time `json:"saved_at"`
}

func corrupt(err error) error {
	return &types.CorruptionError{Component: "vector index", Err: err}
}

// ReadManifest reads the manifest in dir
func ReadManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, corrupt(fmt.Errorf("manifest: %w", err))
	}
	return &m, nil
}

// Flush writes the index and its manifest to dir. The data file is written
// first and both are renamed into place, so a crash leaves either the old
// pair or a manifest that fails validation on Load.
func (idx *Index) Flush(ctx context.Context) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if !idx.dirty {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(idx.dir, 0o755); err != nil {
		return fmt.Errorf("create vector dir: %w", err)
	}

	dataPath := filepath.Join(idx.dir, DataFile)
	if err := idx.db.ExportToFile(dataPath+".tmp", true, "", collectionName); err != nil {
		return fmt.Errorf("export vectors: %w", err)
	}
	if err := os.Rename(dataPath+".tmp", dataPath); err != nil {
		return fmt.Errorf("install vectors: %w", err)
	}

	keys := make([]string, 0, len(idx.keys))
	for k := range idx.keys {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	m := Manifest{
		Version:   manifestVersion,
		IndexID:   idx.indexID,
		Seq:       idx.seq,
		Dimension: idx.dimension,
		Keys:      keys,
		SavedAt:   time.Now().UTC(),
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	manifestPath := filepath.Join(idx.dir, ManifestFile)
	if err := os.WriteFile(manifestPath+".tmp", data, 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	if err := os.Rename(manifestPath+".tmp", manifestPath); err != nil {
		return fmt.Errorf("install manifest: %w", err)
	}

	idx.dirty = false
	idx.logger.Debug().Int("vectors", len(keys)).Uint64("seq", idx.seq).Msg("vector index flushed")
	return nil
}

// Load replaces the in-memory index with the flushed one in dir. It returns
// ErrNoSnapshot when nothing was flushed, and a CorruptionError when the
// files are unreadable, disagree with each other, or belong to another
// store. The caller rebuilds in both cases.
func (idx *Index) Load(ctx context.Context) error {
	m, err := ReadManifest(idx.dir)
	if errors.Is(err, os.ErrNotExist) {
		if _, statErr := os.Stat(filepath.Join(idx.dir, DataFile)); errors.Is(statErr, os.ErrNotExist) {
			return ErrNoSnapshot
		}
		return corrupt(errors.New("vector data without manifest"))
	}
	if err != nil {
		if types.IsCorruption(err) {
			return err
		}
		return corrupt(err)
	}

	switch {
	case m.Version != manifestVersion:
		return corrupt(fmt.Errorf("manifest version %d, want %d", m.Version, manifestVersion))
	case m.IndexID != idx.indexID:
		return corrupt(fmt.Errorf("manifest belongs to index %s, store is %s", m.IndexID, idx.indexID))
	case m.Dimension != idx.dimension:
		return corrupt(fmt.Errorf("manifest dimension %d, index %d", m.Dimension, idx.dimension))
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	db := chromem.NewDB()
	var col *chromem.Collection
	if len(m.Keys) > 0 {
		if err := db.ImportFromFile(filepath.Join(idx.dir, DataFile), "", collectionName); err != nil {
			return corrupt(fmt.Errorf("import: %w", err))
		}
		col = db.GetCollection(collectionName, nil)
		if col == nil {
			return corrupt(errors.New("collection missing from data file"))
		}
		if col.Count() != len(m.Keys) {
			return corrupt(fmt.Errorf("data file holds %d vectors, manifest lists %d", col.Count(), len(m.Keys)))
		}
	} else {
		// An exported empty collection decodes with a nil document map, so
		// start from a fresh one
		col, err = db.CreateCollection(collectionName, nil, nil)
		if err != nil {
			return err
		}
	}

	keys := make(map[string]struct{}, len(m.Keys))
	for _, k := range m.Keys {
		if _, err := types.ParseEmbeddingKey(k); err != nil {
			return corrupt(err)
		}
		keys[k] = struct{}{}
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.db = db
	idx.col = col
	idx.keys = keys
	idx.seq = m.Seq
	idx.dirty = false

	idx.logger.Info().Int("vectors", len(keys)).Uint64("seq", m.Seq).Msg("vector index loaded")
	return nil
}

// CopyFiles copies a flushed index from src into dir, replacing what is
// there. Used when restoring from a backup directory.
func CopyFiles(src, dir string) error {
	for _, name := range []string{DataFile, ManifestFile} {
		data, err := os.ReadFile(filepath.Join(src, name))
		if err != nil {
			return err
		}
		tmp := filepath.Join(dir, name+".tmp")
		if err := os.WriteFile(tmp, data, 0o644); err != nil {
			return err
		}
		if err := os.Rename(tmp, filepath.Join(dir, name)); err != nil {
			return err
		}
	}
	return nil
}

// RemoveFiles deletes a flushed index from dir
func RemoveFiles(dir string) error {
	var errs []error
	for _, name := range []string{DataFile, ManifestFile} {
		if err := os.Remove(filepath.Join(dir, name)); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
