package scenario

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"
)

const fileExt = ".yml"

var ErrInvalidName = errors.New("invalid scenario name")

var namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// ValidName reports whether name can be used as a library key.
func ValidName(name string) bool {
	return namePattern.MatchString(name) && !strings.Contains(name, "..")
}

// Info summarizes a stored scenario.
type Info struct {
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Version     string    `json:"version,omitempty"`
	Devices     int       `json:"devices"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Store is a named scenario library.
type Store interface {
	List(ctx context.Context) ([]Info, error)
	Get(ctx context.Context, name string) (*Scenario, error)
	Put(ctx context.Context, s *Scenario) error
	Delete(ctx context.Context, name string) error
}

// FileStore keeps one <name>.yml per scenario in a directory.
type FileStore struct {
	dir string
}

// NewFileStore creates dir if it does not exist.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create scenario directory %s: %w", dir, err)
	}
	return &FileStore{dir: dir}, nil
}

func (st *FileStore) Dir() string { return st.dir }

func (st *FileStore) path(name string) (string, error) {
	name = strings.TrimSuffix(name, fileExt)
	if !ValidName(name) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return filepath.Join(st.dir, name+fileExt), nil
}

func (st *FileStore) List(ctx context.Context) ([]Info, error) {
	entries, err := os.ReadDir(st.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list scenarios: %w", err)
	}
	var out []Info
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if entry.IsDir() || filepath.Ext(entry.Name()) != fileExt {
			continue
		}
		name := strings.TrimSuffix(entry.Name(), fileExt)
		info := Info{Name: name}
		if fi, err := entry.Info(); err == nil {
			info.UpdatedAt = fi.ModTime().UTC()
		}
		if s, err := Load(filepath.Join(st.dir, entry.Name())); err == nil {
			info.Description = s.Description
			info.Version = s.Version
			info.Devices = len(s.Devices)
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (st *FileStore) Get(_ context.Context, name string) (*Scenario, error) {
	p, err := st.path(name)
	if err != nil {
		return nil, err
	}
	s, err := Load(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return s, err
}

// Put stores s under s.Name, replacing any previous version.
func (st *FileStore) Put(_ context.Context, s *Scenario) error {
	p, err := st.path(s.Name)
	if err != nil {
		return err
	}
	if err := Validate(s); err != nil {
		return err
	}
	data, err := Marshal(s)
	if err != nil {
		return err
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write scenario %s: %w", s.Name, err)
	}
	if err := os.Rename(tmp, p); err != nil {
		return fmt.Errorf("failed to store scenario %s: %w", s.Name, err)
	}
	return nil
}

func (st *FileStore) Delete(_ context.Context, name string) error {
	p, err := st.path(name)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return fmt.Errorf("failed to delete scenario %s: %w", name, err)
	}
	return nil
}
