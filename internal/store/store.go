// Package store is the bridge file store: program files under a configured
// root directory. Every path is client supplied and confined to the root.
package store

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/renameio/v2"

	platformfs "github.com/abutsfit/cncbridge/internal/platform/fs"
)

var (
	ErrNotFound    = errors.New("store: not found")
	ErrIsDirectory = errors.New("store: path is a directory")
	ErrExists      = errors.New("store: destination exists")
	ErrInvalidPath = errors.New("store: invalid path")
)

// Entry is one directory listing item.
type Entry struct {
	Name       string    `json:"name"`
	Type       string    `json:"type"`
	Size       int64     `json:"size,omitempty"`
	ModifiedAt time.Time `json:"modifiedAt"`
}

// listedExt are the file extensions shown by List.
var listedExt = map[string]bool{".nc": true, ".txt": true}

// Store confines file operations to Root.
type Store struct {
	root string
}

// New creates the root directory if needed and returns a Store over it.
func New(root string) (*Store, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("%w: empty store root", ErrInvalidPath)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("create store root: %w", err)
	}
	return &Store{root: abs}, nil
}

// Root returns the absolute store root.
func (s *Store) Root() string { return s.root }

// Resolve maps a client path onto the filesystem. Forward slashes separate
// segments; an empty path is the root itself.
func (s *Store) Resolve(rel string) (string, error) {
	rel = strings.TrimSpace(rel)
	rel = strings.TrimPrefix(rel, "./")
	if rel == "" || rel == "." {
		return platformfs.ConfineAbsPath(s.root, s.root)
	}
	return platformfs.ConfineRelPath(s.root, rel)
}

func (s *Store) isRoot(full string) bool {
	realRoot, err := filepath.EvalSymlinks(s.root)
	if err != nil {
		realRoot = s.root
	}
	return filepath.Clean(full) == filepath.Clean(realRoot)
}

func notFound(err error, rel string) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNotFound, rel)
	}
	return err
}

// ReadFile returns the content of a file.
func (s *Store) ReadFile(rel string) ([]byte, error) {
	full, err := s.Resolve(rel)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(full)
	if err != nil {
		return nil, notFound(err, rel)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrIsDirectory, rel)
	}
	return os.ReadFile(full)
}

// WriteFile atomically replaces a file, creating parent directories.
func (s *Store) WriteFile(rel string, data []byte) error {
	full, err := s.Resolve(rel)
	if err != nil {
		return err
	}
	if s.isRoot(full) {
		return fmt.Errorf("%w: cannot write the store root", ErrInvalidPath)
	}
	if info, err := os.Stat(full); err == nil && info.IsDir() {
		return fmt.Errorf("%w: %s", ErrIsDirectory, rel)
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o750); err != nil {
		return fmt.Errorf("create parent: %w", err)
	}

	pf, err := renameio.NewPendingFile(full, renameio.WithPermissions(0o640))
	if err != nil {
		return fmt.Errorf("create pending file: %w", err)
	}
	defer func() { _ = pf.Cleanup() }()
	if _, err := pf.Write(data); err != nil {
		return fmt.Errorf("write %s: %w", rel, err)
	}
	if err := pf.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("replace %s: %w", rel, err)
	}
	return nil
}

// Delete removes a file. Removing a file that does not exist succeeds.
func (s *Store) Delete(rel string) error {
	full, err := s.Resolve(rel)
	if err != nil {
		return err
	}
	info, err := os.Stat(full)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%w: %s", ErrIsDirectory, rel)
	}
	return os.Remove(full)
}

// DeleteFolder removes a directory tree. The root itself cannot be removed.
func (s *Store) DeleteFolder(rel string) error {
	full, err := s.Resolve(rel)
	if err != nil {
		return err
	}
	if s.isRoot(full) {
		return fmt.Errorf("%w: cannot delete the store root", ErrInvalidPath)
	}
	return os.RemoveAll(full)
}

// List returns the directories and program files under rel, directories
// first. A missing directory lists as empty.
func (s *Store) List(rel string) ([]Entry, error) {
	full, err := s.Resolve(rel)
	if err != nil {
		return nil, err
	}
	des, err := os.ReadDir(full)
	if errors.Is(err, fs.ErrNotExist) {
		return []Entry{}, nil
	}
	if err != nil {
		return nil, err
	}

	dirs := make([]Entry, 0, len(des))
	files := make([]Entry, 0, len(des))
	for _, de := range des {
		info, err := de.Info()
		if err != nil {
			continue
		}
		switch {
		case de.IsDir():
			dirs = append(dirs, Entry{Name: de.Name(), Type: "directory", ModifiedAt: info.ModTime()})
		case info.Mode().IsRegular() && listedExt[strings.ToLower(filepath.Ext(de.Name()))]:
			files = append(files, Entry{Name: de.Name(), Type: "file", Size: info.Size(), ModifiedAt: info.ModTime()})
		}
	}
	sort.Slice(dirs, func(i, j int) bool { return dirs[i].Name < dirs[j].Name })
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return append(dirs, files...), nil
}

// Mkdir creates a directory and its parents.
func (s *Store) Mkdir(rel string) error {
	full, err := s.Resolve(rel)
	if err != nil {
		return err
	}
	return os.MkdirAll(full, 0o750)
}

// Rename gives a file or directory a new name within its parent directory.
func (s *Store) Rename(rel, newName string) error {
	newName = strings.TrimSpace(newName)
	if newName == "" || strings.ContainsAny(newName, `/\`) || newName == "." || newName == ".." {
		return fmt.Errorf("%w: invalid new name %q", ErrInvalidPath, newName)
	}
	return s.Move(rel, path.Join(path.Dir(strings.TrimSpace(rel)), newName))
}

// Move relocates a file or directory. The destination must not exist.
func (s *Store) Move(from, to string) error {
	src, err := s.Resolve(from)
	if err != nil {
		return err
	}
	dst, err := s.Resolve(to)
	if err != nil {
		return err
	}
	if s.isRoot(src) || s.isRoot(dst) {
		return fmt.Errorf("%w: cannot move the store root", ErrInvalidPath)
	}
	if _, err := os.Lstat(src); err != nil {
		return notFound(err, from)
	}
	if _, err := os.Lstat(dst); err == nil {
		return fmt.Errorf("%w: %s", ErrExists, to)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return err
	}
	return os.Rename(src, dst)
}

// Zip writes every regular file below the directory rel into w. Entry names
// are relative to rel and use forward slashes.
func (s *Store) Zip(rel string, w io.Writer) error {
	full, err := s.Resolve(rel)
	if err != nil {
		return err
	}
	info, err := os.Stat(full)
	if err != nil {
		return notFound(err, rel)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", ErrInvalidPath, rel)
	}

	zw := zip.NewWriter(w)
	err = filepath.WalkDir(full, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		name, err := filepath.Rel(full, p)
		if err != nil {
			return err
		}
		fw, err := zw.CreateHeader(&zip.FileHeader{Name: filepath.ToSlash(name), Method: zip.Deflate})
		if err != nil {
			return err
		}
		f, err := os.Open(p)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(fw, f)
		return err
	})
	if err != nil {
		_ = zw.Close()
		return err
	}
	return zw.Close()
}

// CheckWritable verifies the root accepts writes.
func (s *Store) CheckWritable() error {
	f, err := os.CreateTemp(s.root, ".writable-*")
	if err != nil {
		return err
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}

var digitsRe = regexp.MustCompile(`\d+`)

// NormalizeProgramFileName renames an uploaded program file to O####.ext
// using the first digit run of its base name. Non program files are kept.
func NormalizeProgramFileName(rel string) string {
	dir, file := path.Split(strings.TrimSpace(rel))
	ext := strings.ToLower(path.Ext(file))
	if !listedExt[ext] {
		return rel
	}
	base := strings.TrimSuffix(file, path.Ext(file))
	no := 0
	if m := digitsRe.FindString(base); m != "" {
		if n, err := strconv.Atoi(m); err == nil {
			no = n
		}
	}
	return dir + fmt.Sprintf("O%04d", no) + ext
}
