// Package artifactstore implements the Artifact Store (spec §4.5): the
// on-disk layout and access path for derived artifacts under a single
// CacheRoot, with an atomic crash-safe write protocol.
//
// The hash-sharded layout (one shard directory named by the first two hex
// characters of the fingerprint) and the temp-file-then-rename write
// protocol are modeled on perkeep's localdisk storage
// (pkg/blobserver/localdisk/{path,receive_posix,stat}.go), whose
// ReceiveBlob writes to a temp sibling, fsyncs, then renames into place.
package artifactstore

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/letuhao/imagevault/pkg/longpath"
	"github.com/letuhao/imagevault/pkg/model"
	"github.com/letuhao/imagevault/pkg/placement"
)

// Store is the Artifact Store for one CacheRoot.
type Store struct {
	rootID   model.ID
	rootPath string
	lp       *longpath.Adapter
	counters *placement.Engine
}

// New returns a Store writing under rootPath, identified by rootID for
// placement counter updates.
func New(rootID model.ID, rootPath string, lp *longpath.Adapter, counters *placement.Engine) *Store {
	return &Store{rootID: rootID, rootPath: rootPath, lp: lp, counters: counters}
}

// shardDir returns the shard directory for a fingerprint: a single level
// under the root, named by the fingerprint's first two hex characters.
func (s *Store) shardDir(fingerprint string) string {
	prefix := fingerprint
	if len(prefix) > 2 {
		prefix = prefix[:2]
	}
	return filepath.Join(s.rootPath, prefix)
}

func (s *Store) pathFor(fingerprint, ext string) string {
	return filepath.Join(s.shardDir(fingerprint), fingerprint+"."+ext)
}

// Stat reports whether an artifact exists and, if so, its metadata (spec
// §4.5 Read protocol). A stale (expired) or corrupt (zero-size) file is
// treated as absent, per spec.
func (s *Store) Stat(ctx context.Context, fingerprint, ext string) (*model.Artifact, bool, error) {
	p := s.pathFor(fingerprint, ext)
	fi, err := s.lp.Stat(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, model.Wrap(model.KindInfrastructureUnavailable, err, "artifactstore: stat")
	}
	if fi.Size() == 0 {
		// Corrupt: zero-byte file is never valid (spec §4.5 Read protocol).
		return nil, false, nil
	}
	a := &model.Artifact{
		Fingerprint: fingerprint,
		CacheRootID: s.rootID,
		Path:        p,
		SizeBytes:   fi.Size(),
		CreatedAt:   fi.ModTime(),
		IsValid:     true,
	}
	if a.IsExpired(time.Now()) {
		return nil, false, nil
	}
	return a, true, nil
}

// Open returns a streaming reader for an existing artifact.
func (s *Store) Open(ctx context.Context, fingerprint, ext string) (io.ReadCloser, error) {
	p := s.pathFor(fingerprint, ext)
	f, err := s.lp.Open(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, model.New(model.KindNotFound, "artifactstore: artifact not found")
		}
		return nil, model.Wrap(model.KindInfrastructureUnavailable, err, "artifactstore: open")
	}
	return f, nil
}

// Write persists bytes under fingerprint following the atomic write
// protocol from spec §4.5: reserve capacity, write to a temp sibling in
// the same shard directory, fsync, rename into place, then commit the
// actual on-disk size to the Placement Engine's counters. On any failure
// after a successful reservation, the reservation is aborted so counters
// never drift (spec §4.4 reserve/commit/abort protocol).
func (s *Store) Write(ctx context.Context, fingerprint, ext string, bytes []byte, expiresAt *time.Time) (*model.Artifact, error) {
	tok, err := s.counters.Reserve(ctx, s.rootID, int64(len(bytes)))
	if err != nil {
		return nil, err
	}

	dir := s.shardDir(fingerprint)
	if err := s.lp.EnsureDir(dir); err != nil {
		s.counters.Abort(tok)
		return nil, model.Wrap(model.KindInfrastructureUnavailable, err, "artifactstore: ensure shard dir")
	}

	finalPath := s.pathFor(fingerprint, ext)
	tmpPath := filepath.Join(dir, ".tmp-"+uuid.NewString())

	if err := s.writeAndSync(tmpPath, bytes); err != nil {
		s.counters.Abort(tok)
		return nil, model.Wrap(model.KindInfrastructureUnavailable, err, "artifactstore: write temp file")
	}
	safeTmp, err := s.lp.SafePath(tmpPath)
	if err != nil {
		s.counters.Abort(tok)
		return nil, err
	}
	safeFinal, err := s.lp.SafePath(finalPath)
	if err != nil {
		os.Remove(safeTmp)
		s.counters.Abort(tok)
		return nil, err
	}
	if err := os.Rename(safeTmp, safeFinal); err != nil {
		os.Remove(safeTmp)
		s.counters.Abort(tok)
		return nil, model.Wrap(model.KindInfrastructureUnavailable, err, "artifactstore: rename into place")
	}

	actual := int64(len(bytes))
	if err := s.counters.Commit(ctx, tok, actual); err != nil {
		// The file is already in place; counters will be reconciled by the
		// next quiescent-state audit (spec §8 sum-of-sizes invariant), but
		// surface the error so the caller's job can record it.
		return nil, err
	}

	var expires *time.Time
	if expiresAt != nil {
		t := *expiresAt
		expires = &t
	}
	return &model.Artifact{
		Fingerprint: fingerprint,
		CacheRootID: s.rootID,
		Path:        finalPath,
		SizeBytes:   actual,
		CreatedAt:   time.Now(),
		ExpiresAt:   expires,
		IsValid:     true,
	}, nil
}

func (s *Store) writeAndSync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	return f.Close()
}

// Delete unlinks an artifact and releases its counters. A missing file is
// not an error (spec §4.5 Delete: "idempotent delete"); sizeBytes must be
// the last known size so counters can be decremented correctly even though
// the file itself no longer carries it once unlinked.
func (s *Store) Delete(ctx context.Context, fingerprint, ext string, sizeBytes int64) error {
	p := s.pathFor(fingerprint, ext)
	existed, err := s.lp.Exists(p)
	if err != nil {
		return model.Wrap(model.KindInfrastructureUnavailable, err, "artifactstore: exists check")
	}
	if err := s.lp.Remove(p); err != nil {
		return model.Wrap(model.KindInfrastructureUnavailable, err, "artifactstore: remove")
	}
	if !existed {
		return nil
	}
	return s.counters.ReleaseOnDelete(ctx, s.rootID, sizeBytes)
}
