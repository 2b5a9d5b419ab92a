package storage

import (
	"bytes"
	"context"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	// fileDirPerm is the permission mode for the store directory.
	fileDirPerm = fs.FileMode(0o700)

	// filePerm is the permission mode for the store file. It holds bearer
	// credentials, so it is never group or world readable.
	filePerm = fs.FileMode(0o600)

	// sealInfo is the HKDF info string binding derived keys to this format.
	sealInfo = "sessionkeeper file store v1"

	// lockSuffix names the sibling file that serialises updates across
	// processes.
	lockSuffix = ".lock"
)

// sealMagic prefixes sealed files so plain and sealed files are told apart.
var sealMagic = []byte("SKS1")

// ErrSealedStore is returned when a sealed file is opened without a key
// or with the wrong key.
var ErrSealedStore = errors.New("store file is sealed with a different key")

// File is a Store persisted as one JSON document. Every Set rewrites the
// document to a temp file and renames it into place, so readers in this
// or another process see either the old or the new document. Set and
// Clear hold an advisory lock on a sibling ".lock" file for the whole
// read-modify-write, so concurrent processes do not drop each other's
// keys. When a
// secret is configured the document is sealed with XChaCha20-Poly1305
// under a key derived from the secret with HKDF-SHA256.
type File struct {
	path string
	aead cipher.AEAD

	mu sync.Mutex
	// lastDigest is the SHA-256 of the bytes this process last wrote or
	// observed through Watch, used to ignore its own writes.
	lastDigest [sha256.Size]byte
}

// NewFile returns a File store at path. An empty secret stores plain JSON.
func NewFile(path, secret string) (*File, error) {
	if err := os.MkdirAll(filepath.Dir(path), fileDirPerm); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}

	f := &File{path: path}

	if secret != "" {
		key := make([]byte, chacha20poly1305.KeySize)
		if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte(sealInfo)), key); err != nil {
			return nil, fmt.Errorf("deriving store key: %w", err)
		}

		aead, err := chacha20poly1305.NewX(key)
		if err != nil {
			return nil, fmt.Errorf("creating store cipher: %w", err)
		}

		f.aead = aead
	}

	return f, nil
}

// Path returns the file location.
func (f *File) Path() string {
	return f.path
}

func (f *File) Get(_ context.Context, keys ...string) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	doc, err := f.read()
	if err != nil {
		return nil, err
	}

	out := make(map[string]string, len(keys))
	for _, k := range keys {
		if v, ok := doc[k]; ok {
			out[k] = v
		}
	}

	return out, nil
}

func (f *File) Set(_ context.Context, entries map[string]string) error {
	return f.update(func(doc map[string]string) {
		for k, v := range entries {
			doc[k] = v
		}
	})
}

func (f *File) Clear(_ context.Context, keys ...string) error {
	return f.update(func(doc map[string]string) {
		for _, k := range keys {
			delete(doc, k)
		}
	})
}

// update applies change to the current document and writes it back while
// holding both the in-process mutex and the cross-process file lock.
func (f *File) update(change func(map[string]string)) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	unlock, err := lockFile(f.path + lockSuffix)
	if err != nil {
		return err
	}
	defer unlock()

	doc, err := f.read()
	if err != nil {
		return err
	}

	change(doc)

	return f.write(doc)
}

// read loads the document. A missing file is an empty document.
func (f *File) read() (map[string]string, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return make(map[string]string), nil
	}

	if err != nil {
		return nil, fmt.Errorf("reading store file: %w", err)
	}

	plain, err := f.open(data)
	if err != nil {
		return nil, err
	}

	doc := make(map[string]string)
	if len(plain) == 0 {
		return doc, nil
	}

	if err := json.Unmarshal(plain, &doc); err != nil {
		return nil, fmt.Errorf("decoding store file: %w", err)
	}

	return doc, nil
}

func (f *File) write(doc map[string]string) error {
	plain, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encoding store file: %w", err)
	}

	data, err := f.seal(plain)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.path), "."+filepath.Base(f.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp store file: %w", err)
	}

	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(filePerm); err != nil {
		tmp.Close()
		return fmt.Errorf("setting store file permissions: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp store file: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing temp store file: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp store file: %w", err)
	}

	if err := os.Rename(tmpName, f.path); err != nil {
		return fmt.Errorf("replacing store file: %w", err)
	}

	f.lastDigest = sha256.Sum256(data)

	return nil
}

func (f *File) seal(plain []byte) ([]byte, error) {
	if f.aead == nil {
		return plain, nil
	}

	nonce := make([]byte, f.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	out := make([]byte, 0, len(sealMagic)+len(nonce)+len(plain)+chacha20poly1305.Overhead)
	out = append(out, sealMagic...)
	out = append(out, nonce...)

	return f.aead.Seal(out, nonce, plain, sealMagic), nil
}

func (f *File) open(data []byte) ([]byte, error) {
	sealed := bytes.HasPrefix(data, sealMagic)

	switch {
	case f.aead == nil && sealed:
		return nil, ErrSealedStore
	case f.aead == nil:
		return data, nil
	case !sealed:
		// A plain file written before sealing was enabled. It is read
		// once and sealed on the next write.
		return data, nil
	}

	body := data[len(sealMagic):]
	if len(body) < f.aead.NonceSize() {
		return nil, ErrSealedStore
	}

	nonce, ct := body[:f.aead.NonceSize()], body[f.aead.NonceSize():]

	plain, err := f.aead.Open(nil, nonce, ct, sealMagic)
	if err != nil {
		return nil, ErrSealedStore
	}

	return plain, nil
}

// changedExternally reports whether the file on disk differs from what
// this process last wrote or observed.
func (f *File) changedExternally() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	var digest [sha256.Size]byte

	data, err := os.ReadFile(f.path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		// digest stays zero: "no file".
	case err != nil:
		return false
	default:
		digest = sha256.Sum256(data)
	}

	if digest == f.lastDigest {
		return false
	}

	f.lastDigest = digest

	return true
}

// Watch calls onChange whenever another process replaces or removes the
// store file. It blocks until ctx is cancelled. The parent directory is
// watched because every write replaces the file by rename.
func (f *File) Watch(ctx context.Context, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(f.path)); err != nil {
		return fmt.Errorf("watching store directory: %w", err)
	}

	target := filepath.Clean(f.path)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed")
			}

			if filepath.Clean(event.Name) != target {
				continue
			}

			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) &&
				!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}

			if f.changedExternally() {
				onChange()
			}

		case _, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed")
			}
			// Watch errors (queue overflow) are non-fatal; the next
			// event resynchronises.
		}
	}
}
