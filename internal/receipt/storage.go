package receipt

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"syscall"
)

// Storage defines the file operations the service performs under the storage
// root. Every path is relative to that root and uses forward slashes.
type Storage interface {
	// Resolve maps a relative path to an absolute one inside the root
	Resolve(rel string) (string, error)

	// Save writes a file, creating parent directories
	Save(rel string, data []byte) error

	// Open opens a file for reading
	Open(rel string) (*os.File, error)

	// Exists reports whether a regular file exists at rel
	Exists(rel string) bool

	// Move renames a file, creating the destination directory
	Move(from, to string) error

	// Delete removes a file
	Delete(rel string) error

	// RemoveEmptyDir removes a directory if it is empty; errors are ignored
	RemoveEmptyDir(rel string)
}

// LocalStorage implements Storage on the local filesystem
type LocalStorage struct {
	root string
}

// NewLocalStorage creates the storage root if needed and returns a LocalStorage for it
func NewLocalStorage(root string) (*LocalStorage, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("creating storage directory: %w", err)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving storage directory: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	return &LocalStorage{root: abs}, nil
}

// Root returns the absolute storage root
func (l *LocalStorage) Root() string {
	return l.root
}

// Resolve rejects absolute paths and anything that normalizes outside the
// root, following symlinks for paths that already exist.
func (l *LocalStorage) Resolve(rel string) (string, error) {
	if rel == "" {
		return "", fmt.Errorf("%w: empty path", ErrInvalidInput)
	}
	slashed := filepath.ToSlash(rel)
	if path.IsAbs(slashed) || filepath.IsAbs(rel) || filepath.VolumeName(rel) != "" {
		return "", fmt.Errorf("%w: %s", ErrPathTraversal, rel)
	}

	full := filepath.Join(l.root, filepath.FromSlash(slashed))
	if !l.contains(full) {
		return "", fmt.Errorf("%w: %s", ErrPathTraversal, rel)
	}
	if resolved, err := filepath.EvalSymlinks(full); err == nil && !l.contains(resolved) {
		return "", fmt.Errorf("%w: %s", ErrPathTraversal, rel)
	}
	return full, nil
}

func (l *LocalStorage) contains(full string) bool {
	r, err := filepath.Rel(l.root, full)
	if err != nil {
		return false
	}
	return r != "." && r != ".." && !strings.HasPrefix(r, ".."+string(filepath.Separator))
}

// Save writes data through a temp file and rename so readers never see a partial file
func (l *LocalStorage) Save(rel string, data []byte) error {
	full, err := l.Resolve(rel)
	if err != nil {
		return err
	}
	dir := filepath.Dir(full)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}
	return writeFileAtomic(full, data, 0644)
}

// Open opens a stored file for reading
func (l *LocalStorage) Open(rel string) (*os.File, error) {
	full, err := l.Resolve(rel)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(full)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, rel)
		}
		return nil, fmt.Errorf("opening file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat file: %w", err)
	}
	if info.IsDir() {
		f.Close()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, rel)
	}
	return f, nil
}

// Exists reports whether rel names a regular file inside the root
func (l *LocalStorage) Exists(rel string) bool {
	full, err := l.Resolve(rel)
	if err != nil {
		return false
	}
	info, err := os.Stat(full)
	return err == nil && !info.IsDir()
}

// Move relocates a file, falling back to copy and remove across devices
func (l *LocalStorage) Move(from, to string) error {
	src, err := l.Resolve(from)
	if err != nil {
		return err
	}
	dst, err := l.Resolve(to)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("%w: creating directory: %v", ErrFileMove, err)
	}

	err = os.Rename(src, dst)
	if err == nil {
		return nil
	}
	if !errors.Is(err, syscall.EXDEV) {
		return fmt.Errorf("%w: %v", ErrFileMove, err)
	}
	if err := copyFile(src, dst); err != nil {
		os.Remove(dst)
		return fmt.Errorf("%w: %v", ErrFileMove, err)
	}
	if err := os.Remove(src); err != nil {
		os.Remove(dst)
		return fmt.Errorf("%w: %v", ErrFileMove, err)
	}
	return nil
}

// Delete removes a stored file
func (l *LocalStorage) Delete(rel string) error {
	full, err := l.Resolve(rel)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil {
		return fmt.Errorf("deleting file: %w", err)
	}
	return nil
}

// RemoveEmptyDir removes rel when it is an empty directory below the root
func (l *LocalStorage) RemoveEmptyDir(rel string) {
	if rel == "" || rel == "." {
		return
	}
	full, err := l.Resolve(rel)
	if err != nil {
		return
	}
	_ = os.Remove(full)
}

func writeFileAtomic(dest string, data []byte, mode os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing data: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, mode); err != nil {
		return fmt.Errorf("setting file mode: %w", err)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}

	success = true
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0644)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
