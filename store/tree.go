package store

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/chazu/redgen/codegen"
)

// Report summarizes a WriteTree call.
type Report struct {
	Written   int
	Unchanged int
}

// ClassPath returns the .class file path for cls under dir.
func ClassPath(dir string, cls *codegen.Class) string {
	return filepath.Join(dir, filepath.FromSlash(cls.InternalName())+".class")
}

// WriteTree writes each class to dir/<package>/<name>.class. With a cache,
// classes whose bytes match the cached entry and whose file already exists
// are left alone. Files are replaced atomically.
func WriteTree(dir, run string, classes []*codegen.Class, cache *Cache) (Report, error) {
	var r Report
	for _, cls := range classes {
		path := ClassPath(dir, cls)
		changed := true
		if cache != nil {
			var err error
			if changed, err = cache.Put(run, cls); err != nil {
				return r, err
			}
		}
		if !changed {
			if _, err := os.Stat(path); err == nil {
				r.Unchanged++
				continue
			}
		}
		if err := writeAtomic(path, cls.Bytes); err != nil {
			return r, fmt.Errorf("writing %s: %w", cls.InternalName(), err)
		}
		r.Written++
	}
	return r, nil
}

func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".class-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
