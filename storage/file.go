package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/refinerylabs/refinery/types"
)

// FileStorage persists each entity as one YAML document, keeping the state
// layout human-readable and diff-friendly for an external version-controlled
// substrate. Layout under the root dir:
//
//	molecules/<id>.yaml
//	archive/<id>.yaml
//	gates/<id>.yaml
//	actors/<id>.yaml
//	checkpoints/<molecule-id>/<seq>.yaml
type FileStorage struct {
	root string
	mu   sync.Mutex
}

// NewFileStorage creates the directory layout under root.
func NewFileStorage(root string) (*FileStorage, error) {
	for _, sub := range []string{"molecules", "archive", "gates", "actors", "checkpoints"} {
		if err := os.MkdirAll(filepath.Join(root, sub), 0o755); err != nil {
			return nil, fmt.Errorf("storage: ensure dir %s: %w", sub, err)
		}
	}
	return &FileStorage{root: root}, nil
}

func (s *FileStorage) writeDoc(path string, value interface{}) error {
	data, err := yaml.Marshal(value)
	if err != nil {
		return fmt.Errorf("storage: marshal %s: %w", path, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("storage: write %s: %w", path, err)
	}
	return os.Rename(tmp, path)
}

func readDoc[T any](path string, errNotFound error) (T, error) {
	var zero T
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return zero, fmt.Errorf("%w: %s", errNotFound, filepath.Base(path))
	}
	if err != nil {
		return zero, fmt.Errorf("storage: read %s: %w", path, err)
	}
	var out T
	if err := yaml.Unmarshal(data, &out); err != nil {
		return zero, fmt.Errorf("storage: decode %s: %w", path, err)
	}
	return out, nil
}

func listDocs[T any](dir string) ([]T, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("storage: list %s: %w", dir, err)
	}
	out := make([]T, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".yaml") {
			continue
		}
		item, err := readDoc[T](filepath.Join(dir, entry.Name()), os.ErrNotExist)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, nil
}

func (s *FileStorage) moleculePath(id uint64) string {
	return filepath.Join(s.root, "molecules", fmt.Sprintf("%d.yaml", id))
}

// SaveMolecule writes the molecule document.
func (s *FileStorage) SaveMolecule(ctx context.Context, m types.Molecule) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.writeDoc(s.moleculePath(m.ID), m)
	})
}

// GetMolecule reads an active molecule document.
func (s *FileStorage) GetMolecule(ctx context.Context, id uint64) (types.Molecule, error) {
	return withContext(ctx, func() (types.Molecule, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		return readDoc[types.Molecule](s.moleculePath(id), ErrMoleculeNotFound)
	})
}

// ListMolecules returns active molecules ordered by ID.
func (s *FileStorage) ListMolecules(ctx context.Context) ([]types.Molecule, error) {
	return withContext(ctx, func() ([]types.Molecule, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		out, err := listDocs[types.Molecule](filepath.Join(s.root, "molecules"))
		if err != nil {
			return nil, err
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
		return out, nil
	})
}

// ArchiveMolecule moves the molecule document into archive/.
func (s *FileStorage) ArchiveMolecule(ctx context.Context, id uint64) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		m, err := readDoc[types.Molecule](s.moleculePath(id), ErrMoleculeNotFound)
		if err != nil {
			return err
		}
		if !m.Terminal() {
			return fmt.Errorf("%w: id=%d status=%s", ErrNotTerminal, id, m.Status)
		}
		dst := filepath.Join(s.root, "archive", fmt.Sprintf("%d.yaml", id))
		return os.Rename(s.moleculePath(id), dst)
	})
}

// SaveGate writes the gate document.
func (s *FileStorage) SaveGate(ctx context.Context, g types.Gate) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.writeDoc(filepath.Join(s.root, "gates", g.ID+".yaml"), g)
	})
}

// GetGate reads a gate document.
func (s *FileStorage) GetGate(ctx context.Context, id string) (types.Gate, error) {
	return withContext(ctx, func() (types.Gate, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		return readDoc[types.Gate](filepath.Join(s.root, "gates", id+".yaml"), ErrGateNotFound)
	})
}

// ListGates returns all gates ordered by ID.
func (s *FileStorage) ListGates(ctx context.Context) ([]types.Gate, error) {
	return withContext(ctx, func() ([]types.Gate, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		out, err := listDocs[types.Gate](filepath.Join(s.root, "gates"))
		if err != nil {
			return nil, err
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
		return out, nil
	})
}

// SaveActor writes the actor document.
func (s *FileStorage) SaveActor(ctx context.Context, a types.Actor) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.writeDoc(filepath.Join(s.root, "actors", a.ID+".yaml"), a)
	})
}

// GetActor reads an actor document.
func (s *FileStorage) GetActor(ctx context.Context, id string) (types.Actor, error) {
	return withContext(ctx, func() (types.Actor, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		return readDoc[types.Actor](filepath.Join(s.root, "actors", id+".yaml"), ErrActorNotFound)
	})
}

// ListActors returns all actors ordered by ID.
func (s *FileStorage) ListActors(ctx context.Context) ([]types.Actor, error) {
	return withContext(ctx, func() ([]types.Actor, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		out, err := listDocs[types.Actor](filepath.Join(s.root, "actors"))
		if err != nil {
			return nil, err
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
		return out, nil
	})
}

func (s *FileStorage) checkpointDir(moleculeID uint64) string {
	return filepath.Join(s.root, "checkpoints", fmt.Sprintf("%d", moleculeID))
}

// SaveCheckpoint appends a numbered checkpoint document.
func (s *FileStorage) SaveCheckpoint(ctx context.Context, cp types.Checkpoint) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		dir := s.checkpointDir(cp.MoleculeID)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("storage: ensure checkpoint dir: %w", err)
		}
		seqs, err := s.checkpointSeqs(dir)
		if err != nil {
			return err
		}
		next := 1
		if len(seqs) > 0 {
			next = seqs[len(seqs)-1] + 1
		}
		return s.writeDoc(filepath.Join(dir, fmt.Sprintf("%06d.yaml", next)), cp)
	})
}

// LatestCheckpoint reads the highest-numbered checkpoint document.
func (s *FileStorage) LatestCheckpoint(ctx context.Context, moleculeID uint64) (types.Checkpoint, error) {
	return withContext(ctx, func() (types.Checkpoint, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		dir := s.checkpointDir(moleculeID)
		seqs, err := s.checkpointSeqs(dir)
		if err != nil || len(seqs) == 0 {
			return types.Checkpoint{}, fmt.Errorf("%w: molecule=%d", ErrCheckpointNotFound, moleculeID)
		}
		path := filepath.Join(dir, fmt.Sprintf("%06d.yaml", seqs[len(seqs)-1]))
		return readDoc[types.Checkpoint](path, ErrCheckpointNotFound)
	})
}

// Checkpoints reads the molecule's checkpoint history in order.
func (s *FileStorage) Checkpoints(ctx context.Context, moleculeID uint64) ([]types.Checkpoint, error) {
	return withContext(ctx, func() ([]types.Checkpoint, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		dir := s.checkpointDir(moleculeID)
		seqs, err := s.checkpointSeqs(dir)
		if err != nil {
			return nil, nil
		}
		out := make([]types.Checkpoint, 0, len(seqs))
		for _, seq := range seqs {
			cp, err := readDoc[types.Checkpoint](filepath.Join(dir, fmt.Sprintf("%06d.yaml", seq)), ErrCheckpointNotFound)
			if err != nil {
				return nil, err
			}
			out = append(out, cp)
		}
		return out, nil
	})
}

func (s *FileStorage) checkpointSeqs(dir string) ([]int, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: list %s: %w", dir, err)
	}
	seqs := make([]int, 0, len(entries))
	for _, entry := range entries {
		name := strings.TrimSuffix(entry.Name(), ".yaml")
		seq, err := strconv.Atoi(name)
		if err != nil {
			continue
		}
		seqs = append(seqs, seq)
	}
	sort.Ints(seqs)
	return seqs, nil
}
