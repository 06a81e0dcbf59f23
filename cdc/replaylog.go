package cdc

import (
	"encoding/binary"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/ScorpiusDraconis83/realtime/encoding"
	"github.com/cockroachdb/pebble"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog/log"
)

// Key prefixes, carried over from the teacher's PublishLog layout.
const (
	prefixReplayLog = "/replay/"
	prefixReplaySeq = "/replayseq"
	cursorKey       = "/walflush"
)

const (
	memTableSize             = 64 << 20
	l0CompactionThreshold    = 2
	l0StopWritesThreshold    = 12
	lBaseMaxBytes            = 256 << 20
	maxConcurrentCompactions = 3

	defaultReadLimit    = 100
	cleanupIntervalMask = 0x7F
)

// ReplayLog is a Pebble-backed, zstd-compressed append-only log of decoded
// CDC changes for one tenant, repurposing the teacher's PublishLog
// (publisher/log.go) from "sink publish cursor tracking" to "durability
// boundary for the at-least-once-above-checkpoint dispatch guarantee":
// a change is appended before dispatch, and the WAL flush position is only
// advanced to pglogrepl after the change has been enqueued into every
// local subscriber's outbound buffer.
type ReplayLog struct {
	db   *pebble.DB
	path string

	encoder *zstd.Encoder
	decoder *zstd.Decoder

	cursor    atomic.Uint64
	cursorMu  sync.Mutex
	nextSeq   atomic.Uint64

	cleanupMu      sync.Mutex
	cleanupRunning atomic.Bool
	cleanupWg      sync.WaitGroup

	closed atomic.Bool
}

// NewReplayLog opens or creates a replay log under dataDir/<tenantID>.
func NewReplayLog(dataDir, tenantID string) (*ReplayLog, error) {
	logPath := filepath.Join(dataDir, "cdc_replay", tenantID)

	opts := &pebble.Options{
		MemTableSize:             memTableSize,
		L0CompactionThreshold:    l0CompactionThreshold,
		L0StopWritesThreshold:    l0StopWritesThreshold,
		LBaseMaxBytes:            lBaseMaxBytes,
		MaxConcurrentCompactions: func() int { return maxConcurrentCompactions },
		DisableWAL:               false,
	}

	db, err := pebble.Open(logPath, opts)
	if err != nil {
		return nil, fmt.Errorf("cdc: open replay log at %s: %w", logPath, err)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("cdc: create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("cdc: create zstd decoder: %w", err)
	}

	rl := &ReplayLog{db: db, path: logPath, encoder: enc, decoder: dec}

	if err := rl.loadNextSeq(); err != nil {
		db.Close()
		return nil, err
	}
	if err := rl.loadCursor(); err != nil {
		db.Close()
		return nil, err
	}

	return rl, nil
}

func (rl *ReplayLog) loadNextSeq() error {
	val, closer, err := rl.db.Get([]byte(prefixReplaySeq))
	if err == pebble.ErrNotFound {
		rl.nextSeq.Store(0)
		return nil
	}
	if err != nil {
		return err
	}
	defer closer.Close()
	if len(val) != 8 {
		return fmt.Errorf("cdc: corrupt replay sequence, length %d", len(val))
	}
	rl.nextSeq.Store(binary.LittleEndian.Uint64(val))
	return nil
}

func (rl *ReplayLog) loadCursor() error {
	val, closer, err := rl.db.Get([]byte(cursorKey))
	if err == pebble.ErrNotFound {
		rl.cursor.Store(0)
		return nil
	}
	if err != nil {
		return err
	}
	defer closer.Close()
	if len(val) != 8 {
		return fmt.Errorf("cdc: corrupt replay cursor, length %d", len(val))
	}
	rl.cursor.Store(binary.LittleEndian.Uint64(val))
	return nil
}

// Append assigns the next sequence number to change and persists it,
// zstd-compressed, before dispatch. Returns the assigned sequence number.
func (rl *ReplayLog) Append(change *CDCChange) (uint64, error) {
	if rl.closed.Load() {
		return 0, fmt.Errorf("cdc: replay log is closed")
	}

	seq := rl.nextSeq.Add(1)
	change.SeqNum = seq

	raw, err := encoding.Marshal(change)
	if err != nil {
		return 0, fmt.Errorf("cdc: marshal change: %w", err)
	}
	compressed := rl.encoder.EncodeAll(raw, nil)

	batch := rl.db.NewBatch()
	defer batch.Close()

	if err := batch.Set([]byte(formatReplayKey(seq)), compressed, nil); err != nil {
		return 0, fmt.Errorf("cdc: write change: %w", err)
	}
	seqBuf := make([]byte, 8)
	binary.LittleEndian.PutUint64(seqBuf, seq)
	if err := batch.Set([]byte(prefixReplaySeq), seqBuf, nil); err != nil {
		return 0, fmt.Errorf("cdc: persist sequence: %w", err)
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return 0, fmt.Errorf("cdc: commit change: %w", err)
	}

	return seq, nil
}

// ReadFrom reads up to limit changes strictly after cursor, for replay on
// restart after an unclean shutdown.
func (rl *ReplayLog) ReadFrom(cursor uint64, limit int) ([]CDCChange, error) {
	if rl.closed.Load() {
		return nil, fmt.Errorf("cdc: replay log is closed")
	}
	if limit <= 0 {
		limit = defaultReadLimit
	}

	prefix := []byte(prefixReplayLog)
	startKey := []byte(formatReplayKey(cursor + 1))

	iter, err := rl.db.NewIter(&pebble.IterOptions{
		LowerBound: startKey,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	changes := make([]CDCChange, 0, limit)
	for iter.SeekGE(startKey); iter.Valid() && len(changes) < limit; iter.Next() {
		val, err := iter.ValueAndErr()
		if err != nil {
			return nil, err
		}
		raw, err := rl.decoder.DecodeAll(val, nil)
		if err != nil {
			log.Warn().Err(err).Str("key", string(iter.Key())).Msg("cdc: failed to decompress replay entry")
			continue
		}
		var change CDCChange
		if err := encoding.Unmarshal(raw, &change); err != nil {
			log.Warn().Err(err).Str("key", string(iter.Key())).Msg("cdc: failed to unmarshal replay entry")
			continue
		}
		changes = append(changes, change)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	return changes, nil
}

// Cursor returns the last acknowledged replay-log sequence number.
func (rl *ReplayLog) Cursor() uint64 { return rl.cursor.Load() }

// AdvanceCursor persists newSeq, a replay-log sequence number as returned
// by Append, as the acknowledged position and opportunistically compacts
// entries below it.
func (rl *ReplayLog) AdvanceCursor(newSeq uint64) error {
	if rl.closed.Load() {
		return fmt.Errorf("cdc: replay log is closed")
	}

	rl.cursorMu.Lock()
	rl.cursor.Store(newSeq)
	val := make([]byte, 8)
	binary.LittleEndian.PutUint64(val, newSeq)
	err := rl.db.Set([]byte(cursorKey), val, pebble.Sync)
	rl.cursorMu.Unlock()
	if err != nil {
		return fmt.Errorf("cdc: persist cursor: %w", err)
	}

	if newSeq&cleanupIntervalMask == 0 {
		if rl.cleanupRunning.CompareAndSwap(false, true) {
			rl.cleanupWg.Add(1)
			go rl.cleanupAsync()
		}
	}
	return nil
}

func (rl *ReplayLog) cleanupAsync() {
	defer rl.cleanupWg.Done()
	defer rl.cleanupRunning.Store(false)
	rl.cleanup()
}

func (rl *ReplayLog) cleanup() {
	rl.cleanupMu.Lock()
	defer rl.cleanupMu.Unlock()

	if rl.closed.Load() {
		return
	}

	cursor := rl.cursor.Load()
	if cursor == 0 {
		return
	}

	startKey := []byte(prefixReplayLog)
	endKey := []byte(formatReplayKey(cursor))
	if err := rl.db.DeleteRange(startKey, endKey, pebble.Sync); err != nil {
		log.Warn().Err(err).Uint64("cursor", cursor).Msg("cdc: failed to compact replay log")
	}
}

// Close flushes and closes the underlying Pebble database.
func (rl *ReplayLog) Close() error {
	if !rl.closed.CompareAndSwap(false, true) {
		return fmt.Errorf("cdc: replay log already closed")
	}
	rl.cleanupWg.Wait()
	rl.encoder.Close()
	rl.decoder.Close()
	return rl.db.Close()
}

func formatReplayKey(seq uint64) string {
	return fmt.Sprintf("%s%016x", prefixReplayLog, seq)
}

func prefixUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end
		}
	}
	return nil
}
