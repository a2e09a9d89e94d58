// Package exporter materializes a downloaded collection (§4.5): given a
// collection root and a blob store holding every referenced blob, it
// writes the file tree under a destination directory, streaming verified
// chunks and emitting per-file progress.
package exporter

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/beamshare/beam/pkg/blobstore"
	"github.com/beamshare/beam/pkg/collection"
	"github.com/beamshare/beam/pkg/constants"
	"github.com/beamshare/beam/pkg/hashtree"
	"github.com/beamshare/beam/pkg/xferrors"
)

// EventKind tags an export Event's variant (§3 Progress Event, Export).
type EventKind int

const (
	Started EventKind = iota
	FileStarted
	FileProgress
	FileCompleted
	ExportCompleted
)

// Event is one export progress observation.
type Event struct {
	Kind  EventKind
	Name  string
	Bytes uint64
	Size  uint64
	Hash  hashtree.Hash
}

// Sink receives exporter Events.
type Sink func(Event)

// Options controls Export behavior.
type Options struct {
	// Overwrite permits replacing an existing file at a target path.
	// The default (false) makes any conflict a fatal ExportConflict.
	Overwrite bool
}

// Result summarizes a finished export.
type Result struct {
	Files      int
	TotalBytes uint64
}

// Export decodes the collection at root and writes every entry under
// destDir, creating parent directories as needed. Entries are written in
// collection order. Unless opts.Overwrite is set, an existing file at any
// target path aborts the export before the first byte is written.
func Export(ctx context.Context, store *blobstore.Store, root hashtree.Hash, destDir string, opts Options, sink Sink) (Result, error) {
	if sink == nil {
		sink = func(Event) {}
	}

	entries, err := collection.Decode(ctx, store, root)
	if err != nil {
		return Result{}, err
	}

	info, err := os.Stat(destDir)
	if err != nil {
		return Result{}, xferrors.Storage(destDir, err)
	}
	if !info.IsDir() {
		return Result{}, xferrors.UsagePath(destDir, "destination is not a directory")
	}

	// Conflict check runs over the whole collection up front so a failed
	// export never leaves a half-written tree behind.
	if !opts.Overwrite {
		for _, e := range entries {
			target := filepath.Join(destDir, filepath.FromSlash(e.Name))
			if _, err := os.Lstat(target); err == nil {
				return Result{}, xferrors.UsagePath(target, "destination already contains "+e.Name+" (ExportConflict)")
			} else if !os.IsNotExist(err) {
				return Result{}, xferrors.Storage(target, err)
			}
		}
	}

	sink(Event{Kind: Started})
	var total uint64
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return Result{}, xferrors.Cancelled()
		}
		n, err := exportOne(ctx, store, e, destDir, sink)
		if err != nil {
			return Result{}, err
		}
		total += n
	}
	sink(Event{Kind: ExportCompleted, Bytes: total})
	return Result{Files: len(entries), TotalBytes: total}, nil
}

func exportOne(ctx context.Context, store *blobstore.Store, e collection.Entry, destDir string, sink Sink) (uint64, error) {
	target := filepath.Join(destDir, filepath.FromSlash(e.Name))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return 0, xferrors.Storage(filepath.Dir(target), err)
	}

	size, ok := store.Size(e.Hash)
	if !ok {
		return 0, xferrors.Integrity(e.Hash.String(), "collection entry blob not found: "+e.Name)
	}
	sink(Event{Kind: FileStarted, Name: e.Name, Size: size})

	f, err := os.Create(target)
	if err != nil {
		return 0, xferrors.Storage(target, err)
	}

	written, err := copyBlob(ctx, store, e.Hash, size, f, e.Name, sink)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = xferrors.Storage(target, cerr)
	}
	if err != nil {
		return written, err
	}
	sink(Event{Kind: FileCompleted, Name: e.Name, Bytes: written, Hash: e.Hash})
	return written, nil
}

func copyBlob(ctx context.Context, store *blobstore.Store, h hashtree.Hash, size uint64, w io.Writer, name string, sink Sink) (uint64, error) {
	if size == 0 {
		return 0, nil
	}
	cr, err := store.GetRange(ctx, h, 0, size)
	if err != nil {
		return 0, err
	}
	defer cr.Close()

	var written, sinceFlush uint64
	lastFlush := time.Now()
	for {
		chunk, err := cr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return written, err
		}
		if _, err := w.Write(chunk.Data); err != nil {
			return written, xferrors.Storage(name, err)
		}
		written += uint64(len(chunk.Data))
		sinceFlush += uint64(len(chunk.Data))
		if sinceFlush >= constants.ProgressFlushBytes || time.Since(lastFlush) >= constants.ProgressFlushInterval {
			sink(Event{Kind: FileProgress, Name: name, Bytes: written, Size: size})
			sinceFlush = 0
			lastFlush = time.Now()
		}
	}
	return written, nil
}
