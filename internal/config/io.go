package config

import (
	"os"
	"path/filepath"

	"github.com/juju/errors"
)

type FullReader interface {
	Normalize(name string) string
	// nil,nil = not found
	ReadAll(path string) ([]byte, error)
}

type OsFullReader struct {
	base string
}

func NewOsFullReader() *OsFullReader { return &OsFullReader{} }

// SetBase makes relative includes resolve against directory of main config.
func (r *OsFullReader) SetBase(dir string) error {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return errors.Annotatef(err, "filepath.Abs() path=%s", dir)
	}
	r.base = abs
	return nil
}

func (r *OsFullReader) Normalize(name string) string {
	if filepath.IsAbs(name) {
		return filepath.Clean(name)
	}
	return filepath.Clean(filepath.Join(r.base, name))
}

func (*OsFullReader) ReadAll(path string) ([]byte, error) {
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	return b, err
}

type MockFullReader struct {
	Map map[string]string
}

func NewMockFullReader(sources map[string]string) *MockFullReader {
	return &MockFullReader{Map: sources}
}

func (m *MockFullReader) Normalize(name string) string { return filepath.Clean(name) }

func (m *MockFullReader) ReadAll(name string) ([]byte, error) {
	if s, ok := m.Map[name]; ok {
		return []byte(s), nil
	}
	return nil, nil
}
