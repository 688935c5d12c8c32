package transfer

import (
	"crypto/sha256"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/remoshell/remoshelld/internal/rerr"
)

const maxChunkSize = 1 << 20 // hard per-read cap regardless of what the peer asks for

// UploadMode mirrors the file mode bits an upload finalizes with.
type UploadMode = os.FileMode

// UploadState tracks one in-flight upload, keyed by destination path. Only
// one concurrent upload per destination is allowed.
type UploadState struct {
	Destination   string
	TempPath      string
	TotalSize     int64
	CurrentOffset int64
	Mode          UploadMode
	Overwrite     bool
	file          *os.File
	hasher        hash.Hash
	startedAt     time.Time
}

// Engine is the file transfer engine: chunked downloads plus the
// start/write/complete/cancel upload lifecycle.
type Engine struct {
	policy  *PathPolicy
	tempDir string
	maxSize int64

	mu      sync.Mutex
	uploads map[string]*UploadState
}

// NewEngine constructs a transfer engine rooted at policy, scratching
// uploads under tempDir, rejecting uploads over maxSize bytes.
func NewEngine(policy *PathPolicy, tempDir string, maxSize int64) *Engine {
	return &Engine{
		policy:  policy,
		tempDir: tempDir,
		maxSize: maxSize,
		uploads: make(map[string]*UploadState),
	}
}

// DownloadChunk reads at most min(chunkSize, 1 MiB, file_size-offset)
// bytes from offset, reporting whether this is the last chunk.
func (e *Engine) DownloadChunk(path string, offset int64, chunkSize int) (data []byte, totalSize int64, isLast bool, err error) {
	canonical, err := e.policy.ValidateExisting(path)
	if err != nil {
		return nil, 0, false, err
	}

	info, statErr := os.Stat(canonical)
	if statErr != nil {
		if os.IsNotExist(statErr) {
			return nil, 0, false, rerr.New(rerr.NotFound, "transfer.download_chunk", fmt.Errorf("%s not found", path))
		}
		return nil, 0, false, rerr.New(rerr.InternalError, "transfer.download_chunk", statErr)
	}
	if info.IsDir() {
		return nil, 0, false, rerr.New(rerr.InvalidRequest, "transfer.download_chunk", fmt.Errorf("%s is a directory", path))
	}
	totalSize = info.Size()
	if offset > totalSize {
		return nil, 0, false, rerr.New(rerr.InvalidRequest, "transfer.download_chunk", fmt.Errorf("offset %d exceeds file size %d", offset, totalSize))
	}

	f, err := os.Open(canonical)
	if err != nil {
		return nil, 0, false, rerr.New(rerr.InternalError, "transfer.download_chunk", err)
	}
	defer f.Close()

	want := int64(chunkSize)
	if want > maxChunkSize {
		want = maxChunkSize
	}
	if remaining := totalSize - offset; want > remaining {
		want = remaining
	}

	buf := make([]byte, want)
	n, readErr := f.ReadAt(buf, offset)
	if readErr != nil && readErr != io.EOF {
		return nil, 0, false, rerr.New(rerr.InternalError, "transfer.download_chunk", readErr)
	}

	isLast = offset+int64(n) == totalSize
	return buf[:n], totalSize, isLast, nil
}

// StartUpload validates the destination, rejects files over the size cap
// or existing files without overwrite, creates a unique temp file, and
// tracks the new UploadState.
func (e *Engine) StartUpload(path string, size int64, mode UploadMode, overwrite bool) error {
	if size > e.maxSize {
		return rerr.New(rerr.InvalidRequest, "transfer.start_upload", fmt.Errorf("size %d exceeds max_file_size %d", size, e.maxSize))
	}

	canonical, err := e.policy.ValidateForCreation(path)
	if err != nil {
		return err
	}

	if _, statErr := os.Stat(canonical); statErr == nil && !overwrite {
		return rerr.New(rerr.InvalidRequest, "transfer.start_upload", fmt.Errorf("%s already exists", path))
	}

	if err := os.MkdirAll(e.tempDir, 0700); err != nil {
		return rerr.New(rerr.InternalError, "transfer.start_upload", err)
	}
	tempPath := filepath.Join(e.tempDir, uuid.New().String()+".tmp")
	f, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return rerr.New(rerr.InternalError, "transfer.start_upload", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, inflight := e.uploads[canonical]; inflight {
		f.Close()
		os.Remove(tempPath)
		return rerr.New(rerr.InvalidRequest, "transfer.start_upload", fmt.Errorf("upload already in progress for %s", path))
	}
	e.uploads[canonical] = &UploadState{
		Destination: canonical,
		TempPath:    tempPath,
		TotalSize:   size,
		Mode:        mode,
		Overwrite:   overwrite,
		file:        f,
		hasher:      sha256.New(),
		startedAt:   time.Now(),
	}
	return nil
}

// WriteChunk appends sequential data to the upload's temp file. Fails
// ChunkOutOfOrder (state untouched) if offset doesn't match
// current_offset exactly.
func (e *Engine) WriteChunk(path string, offset int64, data []byte) error {
	canonical, err := e.policy.ValidateForCreation(path)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.uploads[canonical]
	if !ok {
		return rerr.New(rerr.NotFound, "transfer.write_chunk", fmt.Errorf("no upload in progress for %s", path))
	}
	if offset != st.CurrentOffset {
		return rerr.New(rerr.ChunkOutOfOrder, "transfer.write_chunk", fmt.Errorf("chunk at %d, expected %d", offset, st.CurrentOffset))
	}
	if _, err := st.file.Write(data); err != nil {
		return rerr.New(rerr.InternalError, "transfer.write_chunk", err)
	}
	st.hasher.Write(data)
	st.CurrentOffset += int64(len(data))
	return nil
}

// CompleteUpload closes the temp file, verifies size and checksum, sets
// the destination's mode, and atomically renames temp → destination. On
// either mismatch the temp file is removed and the upload state dropped.
func (e *Engine) CompleteUpload(path string, checksum []byte) error {
	canonical, err := e.policy.ValidateForCreation(path)
	if err != nil {
		return err
	}

	e.mu.Lock()
	st, ok := e.uploads[canonical]
	if ok {
		delete(e.uploads, canonical)
	}
	e.mu.Unlock()
	if !ok {
		return rerr.New(rerr.NotFound, "transfer.complete_upload", fmt.Errorf("no upload in progress for %s", path))
	}

	if err := st.file.Close(); err != nil {
		os.Remove(st.TempPath)
		return rerr.New(rerr.InternalError, "transfer.complete_upload", err)
	}

	if st.CurrentOffset != st.TotalSize {
		os.Remove(st.TempPath)
		return rerr.New(rerr.SizeMismatch, "transfer.complete_upload", fmt.Errorf("wrote %d bytes, expected %d", st.CurrentOffset, st.TotalSize))
	}

	sum := st.hasher.Sum(nil)
	if !hashEqual(sum, checksum) {
		os.Remove(st.TempPath)
		return rerr.New(rerr.ChecksumMismatch, "transfer.complete_upload", fmt.Errorf("checksum mismatch"))
	}
	// unix.Chmod rather than os.Chmod: the mode the peer sent is raw POSIX
	// bits, and the rest of the finalize path already reasons in raw POSIX
	// terms (rename, unlink).
	if err := unix.Chmod(st.TempPath, uint32(st.Mode.Perm())); err != nil {
		os.Remove(st.TempPath)
		return rerr.New(rerr.InternalError, "transfer.complete_upload", err)
	}
	if err := os.Rename(st.TempPath, canonical); err != nil {
		os.Remove(st.TempPath)
		return rerr.New(rerr.InternalError, "transfer.complete_upload", err)
	}
	return nil
}

func hashEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// CancelUpload drops an in-flight upload's state and unlinks its temp
// file.
func (e *Engine) CancelUpload(path string) error {
	canonical, err := e.policy.ValidateForCreation(path)
	if err != nil {
		return err
	}
	e.mu.Lock()
	st, ok := e.uploads[canonical]
	if ok {
		delete(e.uploads, canonical)
	}
	e.mu.Unlock()
	if !ok {
		return rerr.New(rerr.NotFound, "transfer.cancel_upload", fmt.Errorf("no upload in progress for %s", path))
	}
	st.file.Close()
	return os.Remove(st.TempPath)
}

// UploadStatus reports the current offset/total for an in-flight upload.
func (e *Engine) UploadStatus(path string) (offset, total int64, ok bool) {
	canonical, err := e.policy.ValidateForCreation(path)
	if err != nil {
		return 0, 0, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	st, found := e.uploads[canonical]
	if !found {
		return 0, 0, false
	}
	return st.CurrentOffset, st.TotalSize, true
}

// UploadStartedAt reports when an in-flight upload began.
func (e *Engine) UploadStartedAt(path string) (time.Time, bool) {
	canonical, err := e.policy.ValidateForCreation(path)
	if err != nil {
		return time.Time{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	st, found := e.uploads[canonical]
	if !found {
		return time.Time{}, false
	}
	return st.startedAt, true
}

// CleanupStaleUploads unlinks any .tmp artifact in tempDir whose mtime is
// older than maxAge, and drops the corresponding tracked state if present.
func (e *Engine) CleanupStaleUploads(maxAge time.Duration) error {
	entries, err := os.ReadDir(e.tempDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return rerr.New(rerr.InternalError, "transfer.cleanup_stale_uploads", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".tmp" {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if time.Since(info.ModTime()) <= maxAge {
			continue
		}
		full := filepath.Join(e.tempDir, entry.Name())
		os.Remove(full)
		for dest, st := range e.uploads {
			if st.TempPath == full {
				delete(e.uploads, dest)
			}
		}
	}
	return nil
}

// DirEntry is one row of a directory listing.
type DirEntry struct {
	Name  string
	Size  int64
	IsDir bool
}

// ListDirectory validates path as an existing directory and returns its
// immediate children, for the router's file.list_request handler.
func (e *Engine) ListDirectory(path string) ([]DirEntry, error) {
	canonical, err := e.policy.ValidateExisting(path)
	if err != nil {
		return nil, err
	}
	info, statErr := os.Stat(canonical)
	if statErr != nil {
		if os.IsNotExist(statErr) {
			return nil, rerr.New(rerr.NotFound, "transfer.list_directory", fmt.Errorf("%s not found", path))
		}
		return nil, rerr.New(rerr.InternalError, "transfer.list_directory", statErr)
	}
	if !info.IsDir() {
		return nil, rerr.New(rerr.InvalidRequest, "transfer.list_directory", fmt.Errorf("%s is not a directory", path))
	}

	entries, err := os.ReadDir(canonical)
	if err != nil {
		return nil, rerr.New(rerr.InternalError, "transfer.list_directory", err)
	}
	out := make([]DirEntry, 0, len(entries))
	for _, entry := range entries {
		fi, err := entry.Info()
		if err != nil {
			continue
		}
		out = append(out, DirEntry{Name: entry.Name(), Size: fi.Size(), IsDir: entry.IsDir()})
	}
	return out, nil
}

// HashFile computes the SHA-256 digest of a file, for callers that need to
// compute an expected checksum independent of an in-flight upload.
func HashFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}
