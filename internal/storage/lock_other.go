//go:build !unix

package storage

// lockFile is a no-op where flock is unavailable. Concurrent writers in
// separate processes then fall back to last writer wins.
func lockFile(string) (func(), error) {
	return func() {}, nil
}
