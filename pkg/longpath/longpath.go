// Package longpath implements the LongPath Adapter (spec §4.1): every
// filesystem call the rest of the system makes goes through here so a
// single place absorbs host-OS path-length limits and separator quirks.
//
// The truncate-and-hash scheme is modeled on the two-level hash sharding
// perkeep's localdisk storage uses to keep directory entry counts bounded
// (pkg/blobserver/localdisk/path.go: blobDirectory/blobPath use the blob's
// digest, not the source path, to build a short deterministic name); here
// the "digest" is a hash of the over-long basename itself.
package longpath

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/letuhao/imagevault/pkg/model"
)

// DefaultSafeLimit is the historically relevant MAX_PATH-adjacent default
// (spec §4.1).
const DefaultSafeLimit = 250

// hashSuffixLen is the number of hex characters of the basename hash kept
// in a truncated name; short enough to leave room for a readable prefix,
// long enough that two distinct long basenames collide only with
// negligible probability (spec §8 round-trip law).
const hashSuffixLen = 16

// Adapter normalizes and safens paths under a root-independent safe limit.
// It is safe for concurrent use: every method is a pure function of its
// inputs plus the configured limit.
type Adapter struct {
	// SafeLimit is the maximum basename-inclusive path length considered
	// safe without truncation. Configured via config key path.safeLimit.
	SafeLimit int
}

// New returns an Adapter using limit, or DefaultSafeLimit if limit <= 0.
func New(limit int) *Adapter {
	if limit <= 0 {
		limit = DefaultSafeLimit
	}
	return &Adapter{SafeLimit: limit}
}

// SafePath returns p unchanged if it is within the safe limit (idempotence,
// spec §8), or a derived path whose basename has been truncated and
// suffixed with a stable hash of the full original basename. It returns
// model.KindPathTooLong if the directory portion alone already exceeds the
// limit, since no truncation of the basename can then help.
func (a *Adapter) SafePath(p string) (string, error) {
	p = normalizeSeparators(p)
	if len(p) <= a.SafeLimit {
		return p, nil
	}
	dir := filepath.Dir(p)
	base := filepath.Base(p)
	if len(dir)+1 > a.SafeLimit {
		return "", model.New(model.KindPathTooLong, fmt.Sprintf("directory path %q alone exceeds safe limit %d", dir, a.SafeLimit))
	}
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	sum := sha1.Sum([]byte(base))
	suffix := "-" + hex.EncodeToString(sum[:])[:hashSuffixLen]

	budget := a.SafeLimit - len(dir) - 1 /* separator */ - len(suffix) - len(ext)
	if budget < 1 {
		budget = 1
	}
	if len(stem) > budget {
		stem = stem[:budget]
	}
	safeBase := stem + suffix + ext
	safe := filepath.Join(dir, safeBase)
	if len(safe) > a.SafeLimit {
		return "", model.New(model.KindPathTooLong, fmt.Sprintf("could not produce a safe path within limit %d for %q", a.SafeLimit, p))
	}
	return safe, nil
}

// normalizeSeparators silently turns backslashes into the host separator's
// forward-slash equivalent so callers don't need to care which OS authored
// a relative path stored in the metadata store.
func normalizeSeparators(p string) string {
	if filepath.Separator == '/' {
		p = strings.ReplaceAll(p, `\`, "/")
	} else {
		p = strings.ReplaceAll(p, "/", string(filepath.Separator))
	}
	return filepath.Clean(p)
}

// Exists reports whether the safe path for p exists.
func (a *Adapter) Exists(p string) (bool, error) {
	sp, err := a.SafePath(p)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(sp)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// Stat returns os.FileInfo for the safe path of p.
func (a *Adapter) Stat(p string) (os.FileInfo, error) {
	sp, err := a.SafePath(p)
	if err != nil {
		return nil, err
	}
	return os.Stat(sp)
}

// EnsureDir creates the safe path of dir and all missing parents.
func (a *Adapter) EnsureDir(dir string) error {
	sp, err := a.SafePath(dir)
	if err != nil {
		return err
	}
	return os.MkdirAll(sp, 0o755)
}

// Remove removes the safe path of p. A missing file is not an error,
// matching the idempotent-delete contract artifact deletion relies on
// (spec §4.5 Delete).
func (a *Adapter) Remove(p string) error {
	sp, err := a.SafePath(p)
	if err != nil {
		return err
	}
	if err := os.Remove(sp); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Move renames the safe path of src to the safe path of dst.
func (a *Adapter) Move(src, dst string) error {
	ssrc, err := a.SafePath(src)
	if err != nil {
		return err
	}
	sdst, err := a.SafePath(dst)
	if err != nil {
		return err
	}
	if err := a.EnsureDir(filepath.Dir(sdst)); err != nil {
		return err
	}
	return os.Rename(ssrc, sdst)
}

// Copy copies the safe path of src to the safe path of dst, without
// removing src.
func (a *Adapter) Copy(src, dst string) (int64, error) {
	ssrc, err := a.SafePath(src)
	if err != nil {
		return 0, err
	}
	sdst, err := a.SafePath(dst)
	if err != nil {
		return 0, err
	}
	if err := a.EnsureDir(filepath.Dir(sdst)); err != nil {
		return 0, err
	}
	in, err := os.Open(ssrc)
	if err != nil {
		return 0, err
	}
	defer in.Close()
	out, err := os.Create(sdst)
	if err != nil {
		return 0, err
	}
	defer out.Close()
	return io.Copy(out, in)
}

// Open opens the safe path of p for reading.
func (a *Adapter) Open(p string) (*os.File, error) {
	sp, err := a.SafePath(p)
	if err != nil {
		return nil, err
	}
	return os.Open(sp)
}

// Create creates (or truncates) the safe path of p for writing.
func (a *Adapter) Create(p string) (*os.File, error) {
	sp, err := a.SafePath(p)
	if err != nil {
		return nil, err
	}
	if err := a.EnsureDir(filepath.Dir(sp)); err != nil {
		return nil, err
	}
	return os.Create(sp)
}

// ListDir lists entry names directly under the safe path of dir.
func (a *Adapter) ListDir(dir string) ([]os.DirEntry, error) {
	sp, err := a.SafePath(dir)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(sp)
	if err != nil {
		return nil, errors.Wrapf(err, "longpath: list %s", sp)
	}
	return entries, nil
}
