// Package xfer implements the gawdxfer chunked resumable transfer
// protocol: per-chunk SHA-256 integrity, a pause/resume state machine,
// and idle/terminal garbage collection.
package xfer

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/gawd-ai/sctl/internal/pathutil"
)

// Config mirrors config.TransferConfig; kept as a separate type so this
// package has no import-time dependency on internal/config.
type Config struct {
	MaxTransfers    int
	MaxUploadSize   int64
	DefaultChunk    int
	IdlePauseSecs   int
	TerminalTTLSecs int

	// Root is the directory every relative transfer path is resolved
	// against; ".." segments that would escape it are rejected.
	Root string
}

type entry struct {
	mu sync.Mutex // held across file I/O for this transfer
	t  *transfer
}

// Manager tracks every in-flight transfer for one device. The outer
// mu guards membership in transfers; each entry's own mutex is held
// across its file I/O, so chunk I/O on one transfer does not hold up
// chunk I/O on another. admitNew and the sweep take every entry's
// mutex while holding mu, so they wait for in-progress chunk I/O.
type Manager struct {
	cfg Config
	log *zap.Logger

	mu        sync.RWMutex
	transfers map[string]*entry

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewManager constructs a Manager and starts its background idle-pause
// and terminal-GC sweep.
func NewManager(cfg Config, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.MaxTransfers <= 0 {
		cfg.MaxTransfers = 16
	}
	if cfg.DefaultChunk <= 0 {
		cfg.DefaultChunk = defaultChunkSize
	}
	m := &Manager{
		cfg:       cfg,
		log:       log,
		transfers: make(map[string]*entry),
		stopCh:    make(chan struct{}),
	}
	m.wg.Add(1)
	go m.sweepLoop()
	return m
}

// Stop halts the background sweep loop. It does not touch in-flight
// transfers.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

func (m *Manager) sweepLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sweepOnce()
		}
	}
}

func (m *Manager) sweepOnce() {
	now := time.Now()
	idleCutoff := time.Duration(m.cfg.IdlePauseSecs) * time.Second
	ttlCutoff := time.Duration(m.cfg.TerminalTTLSecs) * time.Second

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, e := range m.transfers {
		e.mu.Lock()
		switch {
		case e.t.state == StateActive && idleCutoff > 0 && now.Sub(e.t.lastActivity) > idleCutoff:
			e.t.state = StatePaused
			m.log.Info("transfer idle-paused", zap.String("transfer_id", id))
		case e.t.state.Terminal() && ttlCutoff > 0 && now.Sub(e.t.lastActivity) > ttlCutoff:
			delete(m.transfers, id)
			m.log.Debug("transfer garbage-collected", zap.String("transfer_id", id))
		}
		e.mu.Unlock()
	}
}

func (m *Manager) resolvePath(rel string) (string, error) {
	if rel == "" {
		return "", errInvalidPath("path must not be empty")
	}
	rel = pathutil.ExpandTilde(rel)
	root := m.cfg.Root
	if root == "" {
		root = "."
	}
	abs := rel
	if !filepath.IsAbs(rel) {
		abs = filepath.Join(root, rel)
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", errInternal("", err)
	}
	absPath, err := filepath.Abs(abs)
	if err != nil {
		return "", errInternal("", err)
	}
	if absRoot != "." && !strings.HasPrefix(absPath, absRoot+string(filepath.Separator)) && absPath != absRoot {
		return "", errInvalidPath("path escapes configured root: " + rel)
	}
	return absPath, nil
}

// InitDownload opens path, computes its full hash and chunk layout, and
// registers a new Active transfer ready to be served via ServeChunk.
func (m *Manager) InitDownload(req InitDownloadRequest) (InitDownloadResult, error) {
	path, err := m.resolvePath(req.Path)
	if err != nil {
		return InitDownloadResult{}, err
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return InitDownloadResult{}, errFileNotFound(req.Path)
		}
		return InitDownloadResult{}, errPermissionDenied(err.Error())
	}
	if info.IsDir() {
		return InitDownloadResult{}, errInvalidPath("path is a directory: " + req.Path)
	}

	chunkSize := req.ChunkSize
	if chunkSize == 0 {
		chunkSize = m.cfg.DefaultChunk
	}
	if chunkSize < minChunkSize || chunkSize > maxChunkSize {
		return InitDownloadResult{}, errInvalidRequest("chunk_size out of range")
	}

	fullHash, err := HashFile(path)
	if err != nil {
		return InitDownloadResult{}, errInternal("", err)
	}

	if err := m.admitNew(); err != nil {
		return InitDownloadResult{}, err
	}

	id, err := newTransferID()
	if err != nil {
		return InitDownloadResult{}, errInternal("", err)
	}

	count := chunkCountFor(info.Size(), chunkSize)
	now := time.Now()
	t := &transfer{
		id:           id,
		direction:    Download,
		path:         path,
		totalSize:    info.Size(),
		chunkSize:    chunkSize,
		chunkCount:   count,
		fullHash:     fullHash,
		state:        StateActive,
		receipt:      newBitmap(count),
		createdAt:    now,
		lastActivity: now,
	}

	m.mu.Lock()
	m.transfers[id] = &entry{t: t}
	m.mu.Unlock()

	return InitDownloadResult{
		TransferID: id,
		TotalSize:  info.Size(),
		ChunkCount: count,
		FullHash:   fullHash,
	}, nil
}

// InitUpload validates req against MaxUploadSize, opens a temp file next
// to the destination path, and registers a new Active transfer ready to
// receive chunks via ReceiveChunk.
func (m *Manager) InitUpload(req InitUploadRequest) (InitUploadResult, error) {
	path, err := m.resolvePath(req.Path)
	if err != nil {
		return InitUploadResult{}, err
	}
	if req.TotalSize < 0 {
		return InitUploadResult{}, errInvalidRequest("total_size must not be negative")
	}
	if m.cfg.MaxUploadSize > 0 && req.TotalSize > m.cfg.MaxUploadSize {
		return InitUploadResult{}, errFileTooLarge("")
	}
	if req.FullHash == "" {
		return InitUploadResult{}, errInvalidRequest("full_hash is required")
	}

	chunkSize := req.ChunkSize
	if chunkSize == 0 {
		chunkSize = m.cfg.DefaultChunk
	}
	if chunkSize < minChunkSize || chunkSize > maxChunkSize {
		return InitUploadResult{}, errInvalidRequest("chunk_size out of range")
	}

	dir := filepath.Dir(path)
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return InitUploadResult{}, errInvalidPath("destination directory does not exist: " + dir)
	}
	if free, ferr := freeSpace(dir); ferr == nil && free < uint64(req.TotalSize) {
		return InitUploadResult{}, errDiskFull("")
	}

	if err := m.admitNew(); err != nil {
		return InitUploadResult{}, err
	}

	id, err := newTransferID()
	if err != nil {
		return InitUploadResult{}, errInternal("", err)
	}

	tempPath := path + ".gx-" + id + ".part"
	f, err := os.OpenFile(tempPath, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return InitUploadResult{}, errPermissionDenied(err.Error())
	}
	if err := f.Truncate(req.TotalSize); err != nil {
		f.Close()
		os.Remove(tempPath)
		return InitUploadResult{}, errDiskFull("")
	}
	f.Close()

	count := chunkCountFor(req.TotalSize, chunkSize)
	now := time.Now()
	t := &transfer{
		id:           id,
		direction:    Upload,
		path:         path,
		tempPath:     tempPath,
		totalSize:    req.TotalSize,
		chunkSize:    chunkSize,
		chunkCount:   count,
		fullHash:     req.FullHash,
		state:        StateActive,
		receipt:      newBitmap(count),
		createdAt:    now,
		lastActivity: now,
	}

	// A zero-byte upload has no chunks to wait for; it commits here.
	if count == 0 {
		if err := m.finalizeUpload(t); err != nil {
			os.Remove(tempPath)
			return InitUploadResult{}, err
		}
		t.state = StateCompleted
	}

	m.mu.Lock()
	m.transfers[id] = &entry{t: t}
	m.mu.Unlock()

	return InitUploadResult{TransferID: id, ChunkCount: count}, nil
}

// freeSpace reports the bytes available to unprivileged writes on the
// filesystem holding dir.
func freeSpace(dir string) (uint64, error) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(dir, &st); err != nil {
		return 0, err
	}
	return st.Bavail * uint64(st.Bsize), nil
}

// admitNew enforces the MaxTransfers cap. Only non-terminal transfers
// count against it; completed or aborted ones awaiting GC do not.
func (m *Manager) admitNew() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cfg.MaxTransfers <= 0 {
		return nil
	}
	live := 0
	for _, e := range m.transfers {
		e.mu.Lock()
		if !e.t.state.Terminal() {
			live++
		}
		e.mu.Unlock()
	}
	if live >= m.cfg.MaxTransfers {
		return errMaxTransfers()
	}
	return nil
}

func (m *Manager) get(id string) (*entry, error) {
	m.mu.RLock()
	e, ok := m.transfers[id]
	m.mu.RUnlock()
	if !ok {
		return nil, errTransferNotFound(id)
	}
	return e, nil
}

// ServeChunk returns the header and raw bytes for chunkIndex of an
// active download transfer. A Paused transfer is not served and not
// auto-resumed here; the caller must Resume it first.
func (m *Manager) ServeChunk(id string, chunkIndex int) (ChunkHeader, []byte, error) {
	e, err := m.get(id)
	if err != nil {
		return ChunkHeader{}, nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	t := e.t

	if t.direction != Download {
		return ChunkHeader{}, nil, errInvalidRequest("transfer is not a download")
	}
	if t.state.Terminal() {
		return ChunkHeader{}, nil, errTransferNotFound(id)
	}
	if t.state != StateActive {
		return ChunkHeader{}, nil, errInvalidRequest("transfer is paused; resume it first")
	}
	if chunkIndex < 0 || chunkIndex >= t.chunkCount {
		return ChunkHeader{}, nil, errInvalidRequest("chunk_index out of range")
	}

	offset := int64(chunkIndex) * int64(t.chunkSize)
	length := int64(t.chunkSize)
	if remaining := t.totalSize - offset; remaining < length {
		length = remaining
	}

	f, err := os.Open(t.path)
	if err != nil {
		t.state = StateFailed
		if os.IsNotExist(err) {
			return ChunkHeader{}, nil, errFileChanged(id)
		}
		return ChunkHeader{}, nil, errInternal(id, err)
	}
	defer f.Close()

	buf := make([]byte, length)
	if _, err := io.ReadFull(io.NewSectionReader(f, offset, length), buf); err != nil {
		t.state = StateFailed
		return ChunkHeader{}, nil, errFileChanged(id)
	}

	t.lastActivity = time.Now()
	t.receipt.set(chunkIndex)
	if t.receipt.allSet() {
		t.state = StateCompleted
	}

	return ChunkHeader{
		TransferID: id,
		ChunkIndex: chunkIndex,
		ChunkHash:  HashBytes(buf),
	}, buf, nil
}

// ReceiveChunk verifies and writes one uploaded chunk at its offset,
// idempotently: a chunk already marked received is re-verified and
// re-written rather than rejected, so an out-of-order retry is safe.
func (m *Manager) ReceiveChunk(id string, chunkIndex int, data []byte, declaredHash string) (ChunkAck, error) {
	e, err := m.get(id)
	if err != nil {
		return ChunkAck{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	t := e.t

	if t.direction != Upload {
		return ChunkAck{}, errInvalidRequest("transfer is not an upload")
	}
	if t.state.Terminal() {
		return ChunkAck{}, errTransferNotFound(id)
	}
	if chunkIndex < 0 || chunkIndex >= t.chunkCount {
		return ChunkAck{}, errInvalidRequest("chunk_index out of range")
	}

	if declaredHash != "" && HashBytes(data) != declaredHash {
		return ChunkAck{}, errChunkIntegrity(id)
	}

	offset := int64(chunkIndex) * int64(t.chunkSize)
	f, err := os.OpenFile(t.tempPath, os.O_WRONLY, 0o644)
	if err != nil {
		t.state = StateFailed
		return ChunkAck{}, errInternal(id, err)
	}
	_, werr := f.WriteAt(data, offset)
	f.Close()
	if werr != nil {
		t.state = StateFailed
		return ChunkAck{}, errDiskFull(id)
	}

	t.receipt.set(chunkIndex)
	t.state = StateActive
	t.lastActivity = time.Now()

	complete := t.receipt.allSet()
	if complete {
		if err := m.finalizeUpload(t); err != nil {
			t.state = StateFailed
			os.Remove(t.tempPath)
			return ChunkAck{}, err
		}
		t.state = StateCompleted
	}

	next := t.nextExpected
	for next < t.chunkCount && t.receipt.isSet(next) {
		next++
	}
	t.nextExpected = next

	return ChunkAck{Received: true, NextExpected: next, Complete: complete}, nil
}

func (m *Manager) finalizeUpload(t *transfer) error {
	gotHash, err := HashFile(t.tempPath)
	if err != nil {
		return errInternal(t.id, err)
	}
	if gotHash != t.fullHash {
		return errHashMismatch(t.id)
	}
	if err := os.Rename(t.tempPath, t.path); err != nil {
		return errInternal(t.id, err)
	}
	return nil
}

// Resume returns the set of chunk indices still missing for a transfer,
// used by a client reattaching to a Paused transfer after a disconnect.
func (m *Manager) Resume(id string) (ResumeResult, error) {
	e, err := m.get(id)
	if err != nil {
		return ResumeResult{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	t := e.t

	if t.state.Terminal() {
		return ResumeResult{}, errInvalidRequest("transfer already " + t.state.String())
	}
	t.state = StateActive
	t.lastActivity = time.Now()

	missing := t.receipt.missing()
	next := t.nextExpected
	for next < t.chunkCount && t.receipt.isSet(next) {
		next++
	}
	t.nextExpected = next

	return ResumeResult{Missing: missing, NextExpected: next}, nil
}

// Status returns a read-only snapshot of one transfer.
func (m *Manager) Status(id string) (TransferStatus, error) {
	e, err := m.get(id)
	if err != nil {
		return TransferStatus{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.t.snapshot(), nil
}

// List returns a snapshot of every known transfer.
func (m *Manager) List() []TransferStatus {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.transfers))
	for _, e := range m.transfers {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	out := make([]TransferStatus, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.t.snapshot())
		e.mu.Unlock()
	}
	return out
}

// PauseAll transitions every Active transfer to Paused. Used by the
// tunnel client when the connection to the relay drops, satisfying the
// "active transfers auto-pause while disconnected" rule layered on top
// of the idle-pause sweep.
func (m *Manager) PauseAll() {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.transfers))
	for _, e := range m.transfers {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	for _, e := range entries {
		e.mu.Lock()
		if e.t.state == StateActive {
			e.t.state = StatePaused
		}
		e.mu.Unlock()
	}
}

// Abort marks a transfer Aborted and removes any temp upload file. It is
// idempotent on an already-terminal transfer.
func (m *Manager) Abort(id string, reason string) error {
	e, err := m.get(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	t := e.t
	if t.state.Terminal() {
		return nil
	}
	t.state = StateAborted
	t.abortReason = reason
	t.lastActivity = time.Now()
	if t.direction == Upload && t.tempPath != "" {
		os.Remove(t.tempPath)
	}
	return nil
}
