package writer

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/tomvit/yamc-go/internal/telemetry"
)

const randSuffixChars = "abcdefghijklmnopqrstuvwxyz0123456789"

func randomSuffix(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = randSuffixChars[rand.Intn(len(randSuffixChars))]
	}
	return string(b)
}

// backlogEntry is one file (or, in test mode, one in-memory record)
// holding a batch of envelopes. On disk, entries are ordered by mtime
// with ties broken by file name; in test mode they keep insertion
// order, and seq is set only there.
type backlogEntry struct {
	name  string
	seq   int64
	items []Envelope
}

// Backlog is the per-writer on-disk spill directory: one file per
// rejected batch, named "items_<10-lowercase-alnum>.data", holding a
// sequence of length-prefixed JSON-encoded envelopes. The format is
// self-describing so backlogged data survives upgrades.
type Backlog struct {
	dir      string
	test     bool
	writerID string

	mu      sync.Mutex
	seq     int64
	testSet []*backlogEntry
}

// NewBacklog constructs a Backlog rooted at <dataDir>/backlog/<writerID>.
// When test is true, no filesystem access occurs; batches are held
// in-memory only, preserving exact Put/Peek/Remove/Size semantics for
// unit tests.
func NewBacklog(dataDir, writerID string, test bool) *Backlog {
	dir := ""
	if dataDir != "" {
		dir = filepath.Join(dataDir, "backlog", writerID)
	}
	return &Backlog{dir: dir, test: test, writerID: writerID}
}

// reportSize publishes the current backlog depth to the
// yamc_writer_backlog_size gauge. Callers must hold b.mu.
func (b *Backlog) reportSize() {
	n := 0
	for _, e := range b.listEntries() {
		n += len(e.items)
	}
	telemetry.BacklogSize.WithLabelValues(b.writerID).Set(float64(n))
}

// Put persists batch as a new backlog file (or in-memory entry in test
// mode), appended after every existing entry.
func (b *Backlog) Put(batch []Envelope) {
	if len(batch) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	defer b.reportSize()
	b.seq++
	name := fmt.Sprintf("items_%s.data", randomSuffix(10))

	if b.test {
		b.testSet = append(b.testSet, &backlogEntry{name: name, seq: b.seq, items: batch})
		return
	}

	if err := os.MkdirAll(b.dir, 0o755); err != nil {
		return
	}
	tmp, err := os.CreateTemp(b.dir, "tmp-*")
	if err != nil {
		return
	}
	for _, env := range batch {
		if err := writeRecord(tmp, env); err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
			return
		}
	}
	tmp.Close()
	os.Rename(tmp.Name(), filepath.Join(b.dir, name))
}

func writeRecord(w io.Writer, env Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}

func readRecords(r io.Reader) ([]Envelope, error) {
	var out []Envelope
	for {
		var lenBuf [4]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			if err == io.EOF {
				break
			}
			return nil, err
		}
		n := binary.BigEndian.Uint32(lenBuf[:])
		body := make([]byte, n)
		if _, err := io.ReadFull(r, body); err != nil {
			return nil, err
		}
		var env Envelope
		if err := json.Unmarshal(body, &env); err != nil {
			return nil, err
		}
		out = append(out, env)
	}
	return out, nil
}

// listEntries returns every backlog entry (file, or in-memory record
// in test mode) ordered oldest first.
func (b *Backlog) listEntries() []*backlogEntry {
	if b.test {
		out := make([]*backlogEntry, len(b.testSet))
		copy(out, b.testSet)
		return out
	}
	infos, err := os.ReadDir(b.dir)
	if err != nil {
		return nil
	}
	type fi struct {
		name string
		mod  int64
	}
	var files []fi
	for _, e := range infos {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, fi{name: e.Name(), mod: info.ModTime().UnixNano()})
	}
	sort.Slice(files, func(i, j int) bool {
		if files[i].mod != files[j].mod {
			return files[i].mod < files[j].mod
		}
		return files[i].name < files[j].name
	})
	out := make([]*backlogEntry, 0, len(files))
	for _, f := range files {
		data, err := os.ReadFile(filepath.Join(b.dir, f.name))
		if err != nil {
			continue
		}
		items, err := readRecords(bytes.NewReader(data))
		if err != nil {
			continue
		}
		out = append(out, &backlogEntry{name: f.name, items: items})
	}
	return out
}

// Peek returns the size oldest entries (files), flattened into one
// slice of envelopes, along with the names of the entries it drew
// from. size counts entries, not envelopes.
func (b *Backlog) Peek(size int) ([]Envelope, []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entries := b.listEntries()
	if size < len(entries) {
		entries = entries[:size]
	}
	var items []Envelope
	var names []string
	for _, e := range entries {
		items = append(items, e.items...)
		names = append(names, e.name)
	}
	return items, names
}

// Remove deletes the named entries after a successful re-delivery.
func (b *Backlog) Remove(names []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	defer b.reportSize()
	if b.test {
		remaining := b.testSet[:0]
		removeSet := make(map[string]bool, len(names))
		for _, n := range names {
			removeSet[n] = true
		}
		for _, e := range b.testSet {
			if !removeSet[e.name] {
				remaining = append(remaining, e)
			}
		}
		b.testSet = remaining
		return
	}
	for _, n := range names {
		os.Remove(filepath.Join(b.dir, n))
	}
}

// Size returns the total number of envelopes currently backlogged.
func (b *Backlog) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, e := range b.listEntries() {
		n += len(e.items)
	}
	return n
}

// Process repeatedly peeks the batchSize oldest entries and calls deliver;
// on success it removes the delivered entries and continues. deliver
// returning a non-nil error stops the loop, leaving the peeked entries
// in place for the next tick (deliver itself decides, by its return
// value, whether a given failure should stop replay or be dropped and
// skipped).
func (b *Backlog) Process(ctx context.Context, batchSize int, deliver func(context.Context, []Envelope) error) {
	for {
		items, names := b.Peek(batchSize)
		if len(items) == 0 {
			return
		}
		if err := deliver(ctx, items); err != nil {
			return
		}
		b.Remove(names)
	}
}
