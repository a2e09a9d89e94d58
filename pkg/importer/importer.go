// Package importer walks a local file or directory and ingests it into a
// blob store as a collection (§4.4): every regular file becomes a blob,
// named relative to the import root, then a collection root is built over
// the whole set.
package importer

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/text/unicode/norm"

	"github.com/beamshare/beam/pkg/blobstore"
	"github.com/beamshare/beam/pkg/collection"
	"github.com/beamshare/beam/pkg/constants"
	"github.com/beamshare/beam/pkg/hashtree"
	"github.com/beamshare/beam/pkg/xferrors"
)

// EventKind tags an Event's variant (§3 Progress Event, Import).
type EventKind int

const (
	Started EventKind = iota
	FileStarted
	FileProgress
	FileCompleted
	ImportCompleted
)

// Event is one import progress observation.
type Event struct {
	Kind      EventKind
	Name      string
	Bytes     uint64
	TotalSize uint64
	Files     int
}

// Sink receives importer Events.
type Sink func(Event)

// Result is the outcome of a successful import.
type Result struct {
	Root      hashtree.Hash
	Files     int
	TotalSize uint64
}

// Import walks root (a file or a directory) and ingests every regular file
// it contains into store, building a collection over the result. Names are
// taken relative to root, using forward slashes regardless of OS, and
// normalized to Unicode NFC so that visually identical names collide
// consistently across platforms.
func Import(ctx context.Context, store *blobstore.Store, root string, sink Sink) (Result, error) {
	if sink == nil {
		sink = func(Event) {}
	}
	info, err := os.Stat(root)
	if err != nil {
		return Result{}, xferrors.Storage(root, err)
	}

	type fileJob struct {
		name string
		path string
	}
	var jobs []fileJob

	if info.IsDir() {
		err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			if d.Type()&os.ModeSymlink != 0 {
				return xferrors.UsagePath(path, "symlinks are not imported")
			}
			rel, err := filepath.Rel(root, path)
			if err != nil {
				return err
			}
			name := norm.NFC.String(filepath.ToSlash(rel))
			if verr := collection.ValidateName(name); verr != nil {
				return verr
			}
			jobs = append(jobs, fileJob{name: name, path: path})
			return nil
		})
		if err != nil {
			return Result{}, err
		}
	} else {
		jobs = append(jobs, fileJob{name: norm.NFC.String(filepath.Base(root)), path: root})
	}

	sort.Slice(jobs, func(i, j int) bool { return jobs[i].name < jobs[j].name })

	sink(Event{Kind: Started, Files: len(jobs)})

	entries := make([]collection.Entry, len(jobs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(constants.ConcurrentImportWorkers)

	var totalSize uint64
	for i, job := range jobs {
		i, job := i, job
		g.Go(func() error {
			sink(Event{Kind: FileStarted, Name: job.name})
			h, size, err := importFile(gctx, store, job.path, sink, job.name)
			if err != nil {
				return xferrors.Storage(job.path, err)
			}
			entries[i] = collection.Entry{Name: job.name, Hash: h, Size: size}
			sink(Event{Kind: FileCompleted, Name: job.name, Bytes: size})
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}
	for _, e := range entries {
		totalSize += e.Size
	}

	collection.SortByName(entries)
	collRoot, err := collection.Encode(ctx, store, entries)
	if err != nil {
		return Result{}, err
	}

	sink(Event{Kind: ImportCompleted, Files: len(entries), TotalSize: totalSize})
	return Result{Root: collRoot, Files: len(entries), TotalSize: totalSize}, nil
}

func importFile(ctx context.Context, store *blobstore.Store, path string, sink Sink, name string) (hashtree.Hash, uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return hashtree.Hash{}, 0, err
	}
	defer f.Close()

	pr := &progressReader{r: f, sink: sink, name: name, lastFlush: flushClock{}}
	return store.PutStream(ctx, blobstore.Raw, nil, pr)
}

// progressReader wraps a file reader, flushing a FileProgress event at
// most every constants.ProgressFlushBytes bytes or constants.
// ProgressFlushInterval, whichever comes first (§3 Progress Event rate
// limiting).
type progressReader struct {
	r         interface{ Read([]byte) (int, error) }
	sink      Sink
	name      string
	read      uint64
	sinceFlush uint64
	lastFlush flushClock
}

type flushClock struct {
	t time.Time
	set bool
}

func (c *flushClock) due() bool {
	if !c.set {
		c.t = time.Now()
		c.set = true
		return false
	}
	if time.Since(c.t) >= constants.ProgressFlushInterval {
		c.t = time.Now()
		return true
	}
	return false
}

func (pr *progressReader) Read(p []byte) (int, error) {
	n, err := pr.r.Read(p)
	if n > 0 {
		pr.read += uint64(n)
		pr.sinceFlush += uint64(n)
		if pr.sinceFlush >= constants.ProgressFlushBytes || pr.lastFlush.due() {
			pr.sink(Event{Kind: FileProgress, Name: pr.name, Bytes: pr.read})
			pr.sinceFlush = 0
		}
	}
	return n, err
}
