package certstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"
)

// Backend errors
var (
	// ErrNotFound is returned by Backend.Load when no certificate is stored
	ErrNotFound = errors.New("certificate not stored")
	// ErrExists is returned by Backend.Save when a certificate is already stored
	ErrExists = errors.New("certificate already stored")
	// ErrInvalidCode is returned for codes that cannot name a stored certificate
	ErrInvalidCode = errors.New("invalid certificate code")
)

// fileNamePattern matches certificate files: digits followed by .pem
var fileNamePattern = regexp.MustCompile(`^(\d+)\.pem$`)

var codePattern = regexp.MustCompile(`^\d+$`)

// Backend is the persistent certificate tier.
//
// Implementations must be safe for concurrent use. Save is append-only: it
// never replaces a stored certificate and reports ErrExists instead.
type Backend interface {
	// Load returns the PEM text stored for code, or ErrNotFound.
	Load(ctx context.Context, code string) (string, error)

	// Save stores the PEM text for code unless one is already stored.
	Save(ctx context.Context, code, pemText string) error

	// List returns the codes of all stored certificates.
	List(ctx context.Context) ([]string, error)
}

// StorageError describes a failed persistent store operation
type StorageError struct {
	Op   string
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("certificate storage %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// FileBackend stores one {code}.pem file per certificate in a directory.
// The directory is created on demand.
type FileBackend struct {
	dir string
}

// FileInfo describes a stored certificate file
type FileInfo struct {
	Name    string
	Code    string
	Size    int64
	ModTime time.Time
}

// NewFileBackend creates a file backend rooted at dir
func NewFileBackend(dir string) *FileBackend {
	return &FileBackend{dir: filepath.Clean(dir)}
}

// Dir returns the certificate directory
func (b *FileBackend) Dir() string {
	return b.dir
}

// EnsureDir creates the certificate directory if needed and checks that it
// is readable and writable.
func (b *FileBackend) EnsureDir() error {
	if err := os.MkdirAll(b.dir, 0o755); err != nil {
		return &StorageError{Op: "mkdir", Path: b.dir, Err: err}
	}

	probe, err := os.CreateTemp(b.dir, ".probe-*")
	if err != nil {
		return &StorageError{Op: "access", Path: b.dir, Err: err}
	}
	name := probe.Name()
	probe.Close()
	os.Remove(name)

	if _, err := os.ReadDir(b.dir); err != nil {
		return &StorageError{Op: "access", Path: b.dir, Err: err}
	}
	return nil
}

func (b *FileBackend) path(code string) (string, error) {
	if !codePattern.MatchString(code) {
		return "", fmt.Errorf("%w: %q", ErrInvalidCode, code)
	}
	return filepath.Join(b.dir, code+".pem"), nil
}

// Load reads {dir}/{code}.pem
func (b *FileBackend) Load(ctx context.Context, code string) (string, error) {
	path, err := b.path(code)
	if err != nil {
		return "", err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", ErrNotFound
		}
		return "", &StorageError{Op: "read", Path: path, Err: err}
	}
	return string(data), nil
}

// Save writes {dir}/{code}.pem. The text is written to a temporary file and
// hard linked into place, so readers never observe a partial file and an
// existing certificate is never replaced.
func (b *FileBackend) Save(ctx context.Context, code, pemText string) error {
	path, err := b.path(code)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(b.dir, 0o755); err != nil {
		return &StorageError{Op: "mkdir", Path: b.dir, Err: err}
	}

	tmp, err := os.CreateTemp(b.dir, "."+code+"-*.tmp")
	if err != nil {
		return &StorageError{Op: "write", Path: path, Err: err}
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.WriteString(pemText); err != nil {
		tmp.Close()
		return &StorageError{Op: "write", Path: path, Err: err}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return &StorageError{Op: "write", Path: path, Err: err}
	}
	if err := tmp.Close(); err != nil {
		return &StorageError{Op: "write", Path: path, Err: err}
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return &StorageError{Op: "chmod", Path: path, Err: err}
	}

	if err := os.Link(tmpName, path); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return ErrExists
		}
		return &StorageError{Op: "link", Path: path, Err: err}
	}
	return nil
}

// List returns the codes of the certificate files in the directory. A
// missing directory holds no certificates.
func (b *FileBackend) List(ctx context.Context) ([]string, error) {
	return listCodes(b.dir)
}

// Inventory describes every certificate file in the directory.
func (b *FileBackend) Inventory() ([]FileInfo, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, &StorageError{Op: "list", Path: b.dir, Err: err}
	}

	var files []FileInfo
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".pem") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, FileInfo{
			Name:    entry.Name(),
			Code:    strings.TrimSuffix(entry.Name(), ".pem"),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}
	return files, nil
}

// markerFile records when the directory was last initialised
const markerFile = ".initialized"

// MarkInitialized writes the initialisation marker and returns the previous
// marker content, or "" on first initialisation.
func (b *FileBackend) MarkInitialized(now time.Time) (string, error) {
	path := filepath.Join(b.dir, markerFile)

	previous, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return "", &StorageError{Op: "read", Path: path, Err: err}
	}

	if err := os.WriteFile(path, []byte(now.UTC().Format(time.RFC3339Nano)), 0o644); err != nil {
		return "", &StorageError{Op: "write", Path: path, Err: err}
	}
	return string(previous), nil
}

// listCodes returns the sorted codes of the {digits}.pem files in dir.
func listCodes(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, &StorageError{Op: "list", Path: dir, Err: err}
	}

	var codes []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if m := fileNamePattern.FindStringSubmatch(entry.Name()); m != nil {
			codes = append(codes, m[1])
		}
	}
	sort.Strings(codes)
	return codes, nil
}
