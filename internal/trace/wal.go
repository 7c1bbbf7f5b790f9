package trace

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/ashita-ai/kaiseki/internal/model"
)

// The WAL keeps trace events durable between emission and the database
// flush. Records are framed with a checksum so a crash mid-write loses at
// most the torn tail of the active segment, never an acknowledged record.
const (
	walMagic   uint32 = 0x4B535745 // "KSWE"
	walVersion byte   = 1

	// magic(4) version(1) flags(1) reserved(2) seq(8) length(4) crc(4)
	walHeaderSize = 24

	defaultSegmentMaxBytes = 16 << 20
	checkpointFile         = "checkpoint.json"
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// SyncMode controls when appended records are fsynced.
type SyncMode int

const (
	// SyncBatch fsyncs once per Append call. Default.
	SyncBatch SyncMode = iota
	// SyncNone leaves flushing to the OS. Fastest, weakest.
	SyncNone
	// SyncFull fsyncs after every record.
	SyncFull
)

// Record is one recovered WAL entry.
type Record struct {
	Seq   uint64
	Event model.TraceEvent
}

type checkpoint struct {
	LastDurableSeq uint64 `json:"last_durable_seq"`
}

// WAL is a segmented, checksummed write-ahead log of trace events.
// Sequence numbers are assigned by the WAL and only ever grow; Checkpoint
// advances the durable watermark and prunes fully-durable segments.
type WAL struct {
	dir    string
	logger *slog.Logger
	maxSeg int64
	mode   SyncMode

	mu      sync.Mutex
	file    *os.File
	size    int64
	nextSeq uint64
	durable uint64
}

// OpenWAL opens or creates a WAL in dir. Callers must Recover before the
// first Append so sequence numbering resumes past any surviving records.
func OpenWAL(dir string, logger *slog.Logger, segmentMaxBytes int64, mode SyncMode) (*WAL, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("trace: create wal dir: %w", err)
	}
	if segmentMaxBytes <= 0 {
		segmentMaxBytes = defaultSegmentMaxBytes
	}
	w := &WAL{
		dir:     dir,
		logger:  logger,
		maxSeg:  segmentMaxBytes,
		mode:    mode,
		nextSeq: 1,
	}
	cp, err := w.loadCheckpoint()
	if err != nil {
		return nil, err
	}
	w.durable = cp.LastDurableSeq
	if w.durable >= w.nextSeq {
		w.nextSeq = w.durable + 1
	}
	return w, nil
}

// Recover scans every segment and returns the records past the durable
// watermark, oldest first. A torn or corrupt tail ends the scan of that
// segment; everything before it is returned. Recover also advances the
// sequence counter past the highest record seen.
func (w *WAL) Recover() ([]Record, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	segments, err := w.listSegments()
	if err != nil {
		return nil, err
	}

	var pending []Record
	for _, seg := range segments {
		records, err := w.scanSegment(seg)
		if err != nil {
			return nil, err
		}
		for _, rec := range records {
			if rec.Seq >= w.nextSeq {
				w.nextSeq = rec.Seq + 1
			}
			if rec.Seq > w.durable {
				pending = append(pending, rec)
			}
		}
	}
	if len(pending) > 0 {
		w.logger.Info("trace: wal recovered pending records",
			"count", len(pending), "durable_seq", w.durable)
	}
	return pending, nil
}

// Append frames and writes events, assigning each a sequence number.
// It returns the sequence of the first event written.
func (w *WAL) Append(events []model.TraceEvent) (uint64, error) {
	if len(events) == 0 {
		return 0, nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	firstSeq := w.nextSeq
	for _, ev := range events {
		payload, err := json.Marshal(ev)
		if err != nil {
			return 0, fmt.Errorf("trace: encode wal record: %w", err)
		}
		if err := w.writeRecord(w.nextSeq, payload); err != nil {
			return 0, err
		}
		w.nextSeq++
		if w.mode == SyncFull {
			if err := w.file.Sync(); err != nil {
				return 0, fmt.Errorf("trace: sync wal: %w", err)
			}
		}
	}
	if w.mode == SyncBatch && w.file != nil {
		if err := w.file.Sync(); err != nil {
			return 0, fmt.Errorf("trace: sync wal: %w", err)
		}
	}
	return firstSeq, nil
}

// Checkpoint marks every record up to and including seq as durable in the
// database, persists the watermark, and removes segments that hold no
// records past it.
func (w *WAL) Checkpoint(seq uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if seq <= w.durable {
		return nil
	}
	w.durable = seq
	if err := w.saveCheckpoint(checkpoint{LastDurableSeq: seq}); err != nil {
		return err
	}
	return w.pruneSegments()
}

// DurableSeq returns the last checkpointed sequence.
func (w *WAL) DurableSeq() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.durable
}

// Close syncs and closes the active segment.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return nil
	}
	if err := w.file.Sync(); err != nil {
		w.file.Close()
		return fmt.Errorf("trace: sync wal on close: %w", err)
	}
	err := w.file.Close()
	w.file = nil
	if err != nil {
		return fmt.Errorf("trace: close wal: %w", err)
	}
	return nil
}

func (w *WAL) writeRecord(seq uint64, payload []byte) error {
	recordSize := int64(walHeaderSize + len(payload))
	if w.file == nil || w.size+recordSize > w.maxSeg {
		if err := w.rotate(seq); err != nil {
			return err
		}
	}

	buf := make([]byte, walHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(buf[0:4], walMagic)
	buf[4] = walVersion
	binary.LittleEndian.PutUint64(buf[8:16], seq)
	binary.LittleEndian.PutUint32(buf[16:20], uint32(len(payload)))
	binary.LittleEndian.PutUint32(buf[20:24], crc32.Checksum(payload, castagnoli))
	copy(buf[walHeaderSize:], payload)

	if _, err := w.file.Write(buf); err != nil {
		return fmt.Errorf("trace: write wal record: %w", err)
	}
	w.size += recordSize
	return nil
}

// rotate closes the active segment and starts a new one whose name
// carries the first sequence it will hold.
func (w *WAL) rotate(firstSeq uint64) error {
	if w.file != nil {
		if err := w.file.Sync(); err != nil {
			return fmt.Errorf("trace: sync wal on rotate: %w", err)
		}
		if err := w.file.Close(); err != nil {
			return fmt.Errorf("trace: close wal segment: %w", err)
		}
	}
	name := filepath.Join(w.dir, fmt.Sprintf("wal-%020d.log", firstSeq))
	f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("trace: open wal segment: %w", err)
	}
	w.file = f
	w.size = 0
	return nil
}

func (w *WAL) scanSegment(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("trace: open wal segment: %w", err)
	}
	defer f.Close()

	var records []Record
	header := make([]byte, walHeaderSize)
	for {
		if _, err := io.ReadFull(f, header); err != nil {
			if errors.Is(err, io.EOF) {
				return records, nil
			}
			w.logger.Warn("trace: wal segment has torn header, truncating scan",
				"segment", filepath.Base(path))
			return records, nil
		}
		if binary.LittleEndian.Uint32(header[0:4]) != walMagic {
			w.logger.Warn("trace: wal segment has bad magic, truncating scan",
				"segment", filepath.Base(path))
			return records, nil
		}
		if header[4] != walVersion {
			w.logger.Warn("trace: wal segment has unknown version, truncating scan",
				"segment", filepath.Base(path), "version", header[4])
			return records, nil
		}
		seq := binary.LittleEndian.Uint64(header[8:16])
		length := binary.LittleEndian.Uint32(header[16:20])
		want := binary.LittleEndian.Uint32(header[20:24])

		payload := make([]byte, length)
		if _, err := io.ReadFull(f, payload); err != nil {
			w.logger.Warn("trace: wal segment has torn payload, truncating scan",
				"segment", filepath.Base(path), "seq", seq)
			return records, nil
		}
		if crc32.Checksum(payload, castagnoli) != want {
			w.logger.Warn("trace: wal record failed checksum, truncating scan",
				"segment", filepath.Base(path), "seq", seq)
			return records, nil
		}

		var ev model.TraceEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			w.logger.Warn("trace: wal record failed to decode, skipping",
				"segment", filepath.Base(path), "seq", seq, "error", err)
			continue
		}
		records = append(records, Record{Seq: seq, Event: ev})
	}
}

// listSegments returns segment paths sorted by first sequence.
func (w *WAL) listSegments() ([]string, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return nil, fmt.Errorf("trace: list wal dir: %w", err)
	}
	var segments []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), "wal-") && strings.HasSuffix(e.Name(), ".log") {
			segments = append(segments, filepath.Join(w.dir, e.Name()))
		}
	}
	sort.Strings(segments)
	return segments, nil
}

// pruneSegments removes closed segments whose records are all durable.
// A segment's records end where the next segment begins, so the last
// (active) segment is always kept.
func (w *WAL) pruneSegments() error {
	segments, err := w.listSegments()
	if err != nil {
		return err
	}
	for i := 0; i+1 < len(segments); i++ {
		nextFirst, err := segmentFirstSeq(segments[i+1])
		if err != nil {
			w.logger.Warn("trace: unparseable wal segment name", "segment", segments[i+1])
			continue
		}
		if nextFirst-1 > w.durable {
			break
		}
		if err := os.Remove(segments[i]); err != nil {
			return fmt.Errorf("trace: prune wal segment: %w", err)
		}
		w.logger.Debug("trace: pruned wal segment", "segment", filepath.Base(segments[i]))
	}
	return nil
}

func segmentFirstSeq(path string) (uint64, error) {
	name := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(path), "wal-"), ".log")
	return strconv.ParseUint(name, 10, 64)
}

func (w *WAL) loadCheckpoint() (checkpoint, error) {
	data, err := os.ReadFile(filepath.Join(w.dir, checkpointFile))
	if errors.Is(err, os.ErrNotExist) {
		return checkpoint{}, nil
	}
	if err != nil {
		return checkpoint{}, fmt.Errorf("trace: read wal checkpoint: %w", err)
	}
	var cp checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return checkpoint{}, fmt.Errorf("trace: decode wal checkpoint: %w", err)
	}
	return cp, nil
}

// saveCheckpoint writes through a temp file and renames so the watermark
// is never half-written.
func (w *WAL) saveCheckpoint(cp checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("trace: encode wal checkpoint: %w", err)
	}
	tmp := filepath.Join(w.dir, checkpointFile+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("trace: write wal checkpoint: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(w.dir, checkpointFile)); err != nil {
		return fmt.Errorf("trace: replace wal checkpoint: %w", err)
	}
	return nil
}
