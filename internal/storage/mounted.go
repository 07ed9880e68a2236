package storage

import (
	"context"
	"os"
	"path"
	"path/filepath"

	"github.com/pkg/errors"
)

// Mounted is a store on a filesystem that environments see directly, e.g. a shared volume or the
// local disk for environments on this host.
type Mounted struct {
	root string
}

// NewMounted returns a store rooted at root, creating it if needed.
func NewMounted(root string) (*Mounted, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.Wrapf(err, "resolving %s", root)
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, errors.Wrapf(err, "creating storage root %s", abs)
	}
	return &Mounted{root: abs}, nil
}

// Root is the local directory backing the store.
func (m *Mounted) Root() string {
	return m.root
}

// LocalPath maps a store path onto the local filesystem.
func (m *Mounted) LocalPath(p string) string {
	return filepath.Join(m.root, filepath.FromSlash(p))
}

// JoinPath implements Service.
func (m *Mounted) JoinPath(parts ...string) string {
	return JoinPath(parts...)
}

// CopyDirectory implements Service.
func (m *Mounted) CopyDirectory(_ context.Context, src, dst string, recursive bool) (string, error) {
	if err := os.MkdirAll(m.LocalPath(dst), 0o750); err != nil {
		return "", errors.Wrapf(err, "creating %s", dst)
	}
	base := filepath.Base(filepath.Clean(src))

	if recursive {
		name := path.Join(dst, base+".tar.gz")
		f, err := os.Create(m.LocalPath(name))
		if err != nil {
			return "", errors.Wrapf(err, "creating %s", name)
		}
		defer f.Close()
		if err := TarGz(f, src); err != nil {
			return "", err
		}
		return name, f.Close()
	}

	target := path.Join(dst, base)
	if err := os.MkdirAll(m.LocalPath(target), 0o750); err != nil {
		return "", errors.Wrapf(err, "creating %s", target)
	}
	files, err := topLevelFiles(src)
	if err != nil {
		return "", err
	}
	for _, name := range files {
		content, err := os.ReadFile(filepath.Join(src, name)) // #nosec G304
		if err != nil {
			return "", err
		}
		if err := os.WriteFile(m.LocalPath(path.Join(target, name)), content, 0o640); err != nil {
			return "", err
		}
	}
	return target, nil
}

// Save implements Service.
func (m *Mounted) Save(_ context.Context, content []byte, p string) error {
	local := m.LocalPath(p)
	if err := os.MkdirAll(filepath.Dir(local), 0o750); err != nil {
		return errors.Wrapf(err, "creating directory for %s", p)
	}
	return errors.Wrapf(os.WriteFile(local, content, 0o640), "saving %s", p)
}

// Rename implements Service.
func (m *Mounted) Rename(_ context.Context, p, newName string) error {
	return errors.Wrapf(os.Rename(m.LocalPath(p), m.LocalPath(renamed(p, newName))),
		"renaming %s to %s", p, newName)
}
