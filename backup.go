package jasonisnthappy

import (
	"fmt"
	"io"
	"os"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/sohzm/jasonisnthappy/storage"
)

// Backup checkpoints the database (folding the WAL into the main
// file) and copies it to dst while holding the writer lock, so the
// copy is a clean point-in-time image with an empty log.
func (db *DB) Backup(dst string) error {
	if db.opts.ReadOnly {
		return ErrReadOnly
	}

	db.writerMu.Lock()
	defer db.writerMu.Unlock()

	if err := db.checkpointLocked(); err != nil {
		return err
	}

	src, err := os.Open(db.path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	defer src.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, db.opts.FilePermissions)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		os.Remove(dst)
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}

	db.log.Info().Str("dst", dst).Msg("backup complete")
	return nil
}

// BackupInfo is what VerifyBackup reports about a copy.
type BackupInfo struct {
	Version        int
	Collections    []string
	TotalDocuments uint64
}

// VerifyBackup opens the copy read-only, replays any residual WAL
// beside it, walks every collection and reports totals. Every page
// touched passes CRC verification on the way.
func VerifyBackup(path string) (*BackupInfo, error) {
	opts := DefaultOptions()
	opts.ReadOnly = true

	db, err := Open(path, opts)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	info := &BackupInfo{Version: storage.FormatVersion}

	names, err := db.ListCollections()
	if err != nil {
		return nil, err
	}
	info.Collections = names

	var total atomic.Uint64
	var g errgroup.Group
	for _, name := range names {
		name := name
		g.Go(func() error {
			coll, err := db.Collection(name)
			if err != nil {
				return err
			}
			n, err := coll.Count(nil)
			if err != nil {
				return err
			}
			total.Add(n)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	info.TotalDocuments = total.Load()
	return info, nil
}
