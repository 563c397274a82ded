// Package node manages the identity of a store instance. Each data
// directory gets a persistent ULID, generated on first open, so log lines
// and operator tooling can tell stores apart when several share a host.
package node

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

const idFile = "instance_id"

// ID is the ULID string identifying one store data directory.
type ID string

func (id ID) String() string { return string(id) }

// Load returns the instance ID persisted in dir, generating and writing a
// new one if the directory has never been opened.
func Load(dir string) (ID, error) {
	if dir == "" {
		return "", errors.New("node: dir must not be empty")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("node: create dir: %w", err)
	}

	path := filepath.Join(dir, idFile)
	data, err := os.ReadFile(path)
	if err == nil {
		id := strings.TrimSpace(string(data))
		if _, err := ulid.ParseStrict(id); err != nil {
			return "", fmt.Errorf("node: persisted id %q is invalid: %w", id, err)
		}
		return ID(id), nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("node: read id file: %w", err)
	}

	id, err := NewID()
	if err != nil {
		return "", fmt.Errorf("node: generate id: %w", err)
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0o640); err != nil {
		return "", fmt.Errorf("node: persist id: %w", err)
	}
	return ID(id), nil
}

// monoEntropy is shared across all NewID calls so ULIDs stay
// lexicographically ordered even within the same millisecond.
var (
	monoMu      sync.Mutex
	monoEntropy io.Reader = ulid.Monotonic(rand.Reader, 0)
)

// NewID generates a fresh time-ordered ULID. Used for instance identity and
// as trace IDs on retry-loop log lines.
func NewID() (string, error) {
	monoMu.Lock()
	defer monoMu.Unlock()
	id, err := ulid.New(ulid.Timestamp(time.Now()), monoEntropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// MustNewID is like NewID but panics on error. Use only in tests.
func MustNewID() string {
	id, err := NewID()
	if err != nil {
		panic(fmt.Sprintf("node.MustNewID: %v", err))
	}
	return id
}
