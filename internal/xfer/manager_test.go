package xfer

import (
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, cfg Config) *Manager {
	if cfg.Root == "" {
		cfg.Root = t.TempDir()
	}
	m := NewManager(cfg, nil)
	t.Cleanup(m.Stop)
	return m
}

func writeFile(t *testing.T, root, name string, data []byte) string {
	path := filepath.Join(root, name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func patternedData(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i * 7)
	}
	return data
}

// chunkOf slices out chunk idx of data for a given chunk size.
func chunkOf(data []byte, idx, chunkSize int) []byte {
	lo := idx * chunkSize
	hi := lo + chunkSize
	if hi > len(data) {
		hi = len(data)
	}
	return data[lo:hi]
}

func TestInitDownloadAndServeAllChunks(t *testing.T) {
	root := t.TempDir()
	data := patternedData(10*minChunkSize + 37) // exercises the final short chunk
	writeFile(t, root, "payload.bin", data)

	m := newTestManager(t, Config{Root: root, DefaultChunk: minChunkSize})
	res, err := m.InitDownload(InitDownloadRequest{Path: "payload.bin"})
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), res.TotalSize)
	require.Equal(t, 11, res.ChunkCount) // 10 full chunks + one short chunk

	assembled := make([]byte, 0, len(data))
	for i := 0; i < res.ChunkCount; i++ {
		hdr, chunk, err := m.ServeChunk(res.TransferID, i)
		require.NoError(t, err)
		assert.Equal(t, i, hdr.ChunkIndex)
		assert.Equal(t, HashBytes(chunk), hdr.ChunkHash)
		assembled = append(assembled, chunk...)
	}
	assert.Equal(t, data, assembled)

	status, err := m.Status(res.TransferID)
	require.NoError(t, err)
	assert.Equal(t, "completed", status.State)
}

func TestReceiveChunkOutOfOrder(t *testing.T) {
	root := t.TempDir()
	m := newTestManager(t, Config{Root: root})

	data := patternedData(2 * minChunkSize)
	res, err := m.InitUpload(InitUploadRequest{
		Path:      "out.bin",
		TotalSize: int64(len(data)),
		ChunkSize: minChunkSize,
		FullHash:  HashBytes(data),
	})
	require.NoError(t, err)
	require.Equal(t, 2, res.ChunkCount)

	// Chunk 1 arrives before chunk 0.
	c1 := chunkOf(data, 1, minChunkSize)
	ack, err := m.ReceiveChunk(res.TransferID, 1, c1, HashBytes(c1))
	require.NoError(t, err)
	assert.True(t, ack.Received)
	assert.False(t, ack.Complete)
	assert.Equal(t, 0, ack.NextExpected)

	c0 := chunkOf(data, 0, minChunkSize)
	ack, err = m.ReceiveChunk(res.TransferID, 0, c0, HashBytes(c0))
	require.NoError(t, err)
	assert.True(t, ack.Complete)
	assert.Equal(t, 2, ack.NextExpected)

	got, err := os.ReadFile(filepath.Join(root, "out.bin"))
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestUploadRandomScheduleWithDuplicates(t *testing.T) {
	root := t.TempDir()
	m := newTestManager(t, Config{Root: root})

	data := patternedData(4*minChunkSize + minChunkSize/2) // 5 chunks, last short
	res, err := m.InitUpload(InitUploadRequest{
		Path:      "out.bin",
		TotalSize: int64(len(data)),
		ChunkSize: minChunkSize,
		FullHash:  HashBytes(data),
	})
	require.NoError(t, err)
	require.Equal(t, 5, res.ChunkCount)

	rng := rand.New(rand.NewSource(1))
	perm := rng.Perm(res.ChunkCount)
	// Re-send two already-delivered chunks before the final one:
	// duplicates are idempotent and must not flip completion early.
	schedule := append([]int{}, perm[:4]...)
	schedule = append(schedule, perm[0], perm[2], perm[4])

	var lastAck ChunkAck
	for _, idx := range schedule {
		c := chunkOf(data, idx, minChunkSize)
		lastAck, err = m.ReceiveChunk(res.TransferID, idx, c, HashBytes(c))
		require.NoError(t, err)
		assert.True(t, lastAck.Received)
	}
	assert.True(t, lastAck.Complete)
	assert.Equal(t, res.ChunkCount, lastAck.NextExpected)

	got, err := os.ReadFile(filepath.Join(root, "out.bin"))
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Equal(t, HashBytes(data), HashBytes(got))
}

func TestReceiveChunkTamperedRejected(t *testing.T) {
	root := t.TempDir()
	m := newTestManager(t, Config{Root: root})

	data := patternedData(minChunkSize)
	res, err := m.InitUpload(InitUploadRequest{
		Path:      "out.bin",
		TotalSize: int64(len(data)),
		ChunkSize: minChunkSize,
		FullHash:  HashBytes(data),
	})
	require.NoError(t, err)

	// Hash of the real bytes, body of something else: reject, keep Active,
	// leave the receipt bitmap untouched.
	tampered := patternedData(minChunkSize)
	tampered[0] ^= 0xff
	_, err = m.ReceiveChunk(res.TransferID, 0, tampered, HashBytes(data))
	require.Error(t, err)
	xerr, ok := err.(*Error)
	require.True(t, ok)
	assert.Equal(t, "CHUNK_INTEGRITY", xerr.Code)
	assert.True(t, xerr.Recoverable)

	status, err := m.Status(res.TransferID)
	require.NoError(t, err)
	assert.Equal(t, "active", status.State)
	assert.Equal(t, 1, status.MissingCount)
}

func TestPauseAndResume(t *testing.T) {
	root := t.TempDir()
	m := newTestManager(t, Config{Root: root})

	data := patternedData(5 * minChunkSize)
	res, err := m.InitUpload(InitUploadRequest{
		Path:      "out.bin",
		TotalSize: int64(len(data)),
		ChunkSize: minChunkSize,
		FullHash:  HashBytes(data),
	})
	require.NoError(t, err)

	for _, idx := range []int{0, 2, 4} {
		c := chunkOf(data, idx, minChunkSize)
		_, err = m.ReceiveChunk(res.TransferID, idx, c, HashBytes(c))
		require.NoError(t, err)
	}

	// Simulate the idle-pause sweep firing.
	e, err := m.get(res.TransferID)
	require.NoError(t, err)
	e.mu.Lock()
	e.t.state = StatePaused
	e.mu.Unlock()

	result, err := m.Resume(res.TransferID)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3}, result.Missing)
	assert.Equal(t, 1, result.NextExpected)

	// Resume on an already-active transfer is idempotent.
	again, err := m.Resume(res.TransferID)
	require.NoError(t, err)
	assert.Equal(t, result.Missing, again.Missing)

	for _, idx := range []int{1, 3} {
		c := chunkOf(data, idx, minChunkSize)
		_, err = m.ReceiveChunk(res.TransferID, idx, c, HashBytes(c))
		require.NoError(t, err)
	}
	got, err := os.ReadFile(filepath.Join(root, "out.bin"))
	require.NoError(t, err)
	assert.Equal(t, HashBytes(data), HashBytes(got))
}

func TestMaxTransfersEnforced(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.bin", []byte("x"))
	m := newTestManager(t, Config{Root: root, MaxTransfers: 1})

	_, err := m.InitDownload(InitDownloadRequest{Path: "a.bin"})
	require.NoError(t, err)

	_, err = m.InitDownload(InitDownloadRequest{Path: "a.bin"})
	require.Error(t, err)
	xerr, ok := err.(*Error)
	require.True(t, ok)
	assert.Equal(t, "MAX_TRANSFERS", xerr.Code)
}

func TestTerminalTransfersDoNotCountAgainstCap(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.bin", []byte("x"))
	m := newTestManager(t, Config{Root: root, MaxTransfers: 1})

	first, err := m.InitUpload(InitUploadRequest{
		Path: "out.bin", TotalSize: 4, ChunkSize: minChunkSize, FullHash: "ab",
	})
	require.NoError(t, err)
	require.NoError(t, m.Abort(first.TransferID, "test"))

	_, err = m.InitDownload(InitDownloadRequest{Path: "a.bin"})
	require.NoError(t, err)
}

func TestInitDownloadRejectsPathEscape(t *testing.T) {
	root := t.TempDir()
	m := newTestManager(t, Config{Root: root})

	_, err := m.InitDownload(InitDownloadRequest{Path: "../../etc/passwd"})
	require.Error(t, err)
	xerr, ok := err.(*Error)
	require.True(t, ok)
	assert.Equal(t, "INVALID_PATH", xerr.Code)
}

func TestAbortRemovesTempFile(t *testing.T) {
	root := t.TempDir()
	m := newTestManager(t, Config{Root: root})

	res, err := m.InitUpload(InitUploadRequest{
		Path:      "out.bin",
		TotalSize: 8,
		ChunkSize: minChunkSize,
		FullHash:  "deadbeef",
	})
	require.NoError(t, err)

	require.NoError(t, m.Abort(res.TransferID, "client cancelled"))
	_, statErr := os.Stat(filepath.Join(root, "out.bin.gx-"+res.TransferID+".part"))
	assert.True(t, os.IsNotExist(statErr))

	status, err := m.Status(res.TransferID)
	require.NoError(t, err)
	assert.Equal(t, "aborted", status.State)
	assert.Equal(t, "client cancelled", status.AbortReason)
}

func TestZeroSizeUploadCompletesAfterInit(t *testing.T) {
	root := t.TempDir()
	m := newTestManager(t, Config{Root: root})

	res, err := m.InitUpload(InitUploadRequest{
		Path:      "empty.bin",
		TotalSize: 0,
		ChunkSize: minChunkSize,
		FullHash:  HashBytes(nil),
	})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ChunkCount)

	status, err := m.Status(res.TransferID)
	require.NoError(t, err)
	assert.Equal(t, "completed", status.State)

	got, err := os.ReadFile(filepath.Join(root, "empty.bin"))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestChunkCountBoundaries(t *testing.T) {
	assert.Equal(t, 0, chunkCountFor(0, 4))
	assert.Equal(t, 1, chunkCountFor(3, 4)) // chunk_size - 1: single short chunk
	assert.Equal(t, 1, chunkCountFor(4, 4)) // exactly chunk_size: single full chunk
	assert.Equal(t, 2, chunkCountFor(5, 4))
}

func TestChunkSizeOutOfBoundsRejected(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.bin", []byte("x"))
	m := newTestManager(t, Config{Root: root})

	for _, size := range []int{1, minChunkSize - 1, maxChunkSize + 1} {
		_, err := m.InitDownload(InitDownloadRequest{Path: "a.bin", ChunkSize: size})
		require.Error(t, err)
		xerr, ok := err.(*Error)
		require.True(t, ok)
		assert.Equal(t, "INVALID_REQUEST", xerr.Code)

		_, err = m.InitUpload(InitUploadRequest{
			Path: "b.bin", TotalSize: 1, ChunkSize: size, FullHash: "ab",
		})
		require.Error(t, err)
		xerr, ok = err.(*Error)
		require.True(t, ok)
		assert.Equal(t, "INVALID_REQUEST", xerr.Code)
	}
}

func TestUploadToMissingDirectoryRejected(t *testing.T) {
	root := t.TempDir()
	m := newTestManager(t, Config{Root: root})

	_, err := m.InitUpload(InitUploadRequest{
		Path: "no/such/dir/out.bin", TotalSize: 4, ChunkSize: minChunkSize, FullHash: "ab",
	})
	require.Error(t, err)
	xerr, ok := err.(*Error)
	require.True(t, ok)
	assert.Equal(t, "INVALID_PATH", xerr.Code)
}

func TestServeChunkWhilePausedRejected(t *testing.T) {
	root := t.TempDir()
	data := patternedData(minChunkSize)
	writeFile(t, root, "a.bin", data)
	m := newTestManager(t, Config{Root: root})

	res, err := m.InitDownload(InitDownloadRequest{Path: "a.bin", ChunkSize: minChunkSize})
	require.NoError(t, err)

	e, err := m.get(res.TransferID)
	require.NoError(t, err)
	e.mu.Lock()
	e.t.state = StatePaused
	e.mu.Unlock()

	_, _, err = m.ServeChunk(res.TransferID, 0)
	require.Error(t, err)
	xerr, ok := err.(*Error)
	require.True(t, ok)
	assert.Equal(t, "INVALID_REQUEST", xerr.Code)

	// Resume reactivates it and serving succeeds again.
	_, err = m.Resume(res.TransferID)
	require.NoError(t, err)
	_, chunk, err := m.ServeChunk(res.TransferID, 0)
	require.NoError(t, err)
	assert.Equal(t, data, chunk)
}

func TestResumeOnTerminalTransferRejected(t *testing.T) {
	root := t.TempDir()
	m := newTestManager(t, Config{Root: root})

	res, err := m.InitUpload(InitUploadRequest{
		Path: "out.bin", TotalSize: 4, ChunkSize: minChunkSize, FullHash: "ab",
	})
	require.NoError(t, err)
	require.NoError(t, m.Abort(res.TransferID, "test"))

	_, err = m.Resume(res.TransferID)
	require.Error(t, err)
	xerr, ok := err.(*Error)
	require.True(t, ok)
	assert.Equal(t, "INVALID_REQUEST", xerr.Code)
}

func TestIdleSweepPausesActiveAndCollectsTerminal(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.bin", []byte("x"))
	m := newTestManager(t, Config{Root: root, IdlePauseSecs: 1, TerminalTTLSecs: 1})

	active, err := m.InitDownload(InitDownloadRequest{Path: "a.bin"})
	require.NoError(t, err)
	aborted, err := m.InitUpload(InitUploadRequest{
		Path: "out.bin", TotalSize: 4, ChunkSize: minChunkSize, FullHash: "ab",
	})
	require.NoError(t, err)
	require.NoError(t, m.Abort(aborted.TransferID, "test"))

	// Rewind activity past both thresholds, then run one sweep.
	for _, id := range []string{active.TransferID, aborted.TransferID} {
		e, err := m.get(id)
		require.NoError(t, err)
		e.mu.Lock()
		e.t.lastActivity = time.Now().Add(-time.Minute)
		e.mu.Unlock()
	}
	m.sweepOnce()

	status, err := m.Status(active.TransferID)
	require.NoError(t, err)
	assert.Equal(t, "paused", status.State)

	_, err = m.Status(aborted.TransferID)
	require.Error(t, err)
	xerr, ok := err.(*Error)
	require.True(t, ok)
	assert.Equal(t, "TRANSFER_NOT_FOUND", xerr.Code)
}

func TestFinalHashMismatchFailsTransfer(t *testing.T) {
	root := t.TempDir()
	m := newTestManager(t, Config{Root: root})

	data := patternedData(minChunkSize)
	res, err := m.InitUpload(InitUploadRequest{
		Path:      "out.bin",
		TotalSize: int64(len(data)),
		ChunkSize: minChunkSize,
		FullHash:  HashBytes([]byte("something else entirely")),
	})
	require.NoError(t, err)

	_, err = m.ReceiveChunk(res.TransferID, 0, data, HashBytes(data))
	require.Error(t, err)
	xerr, ok := err.(*Error)
	require.True(t, ok)
	assert.Equal(t, "HASH_MISMATCH", xerr.Code)
	assert.False(t, xerr.Recoverable)

	status, err := m.Status(res.TransferID)
	require.NoError(t, err)
	assert.Equal(t, "failed", status.State)

	// Neither the destination nor the temp file survives.
	_, statErr := os.Stat(filepath.Join(root, "out.bin"))
	assert.True(t, os.IsNotExist(statErr))
	_, statErr = os.Stat(filepath.Join(root, "out.bin.gx-"+res.TransferID+".part"))
	assert.True(t, os.IsNotExist(statErr))
}
