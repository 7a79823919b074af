// Package fetch downloads feed files over SFTP or plain FTP with change
// detection against the feed's memoized (mtime, size, contentHash) triple.
package fetch

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/calibermatch/feed-service/internal/ferrors"
)

// Transport selects the download mechanism.
type Transport string

const (
	TransportSFTP Transport = "SFTP"
	TransportFTP  Transport = "FTP"
)

// Compression of the remote file.
const (
	CompressionNone = "NONE"
	CompressionGzip = "GZIP"
)

// Skip reasons returned on successful no-op downloads.
const (
	SkipUnchangedMtime = "UNCHANGED_MTIME"
	SkipUnchangedHash  = "UNCHANGED_HASH"
	SkipFileNotFound   = "FILE_NOT_FOUND"
)

// connectTimeout bounds transport dial + handshake.
const connectTimeout = 30 * time.Second

// Request describes one download with the feed's change-detection memo.
type Request struct {
	FeedID    string
	Transport Transport
	Host      string
	Port      int
	Path      string
	Username  string
	Password  string

	Compression      string
	MaxFileSizeBytes int64

	LastRemoteMtime *time.Time
	LastRemoteSize  *int64
	LastContentHash string

	// AllowPlainFTP is the store-wide policy flag; when false, FTP requests
	// fail with a CONFIG error before any connection is made.
	AllowPlainFTP bool
}

// Result of a download. Skipped results are successes: the pipeline finalizes
// the run as SUCCEEDED with the skip reason.
type Result struct {
	Content     []byte
	Mtime       *time.Time
	Size        int64
	ContentHash string

	Skipped       bool
	SkippedReason string
}

// Download fetches the feed file via the configured transport.
func Download(ctx context.Context, req Request) (*Result, error) {
	switch req.Transport {
	case TransportSFTP:
		return downloadSFTP(ctx, req)
	case TransportFTP:
		if !req.AllowPlainFTP {
			return nil, ferrors.Config(ferrors.CodeBadConfig, "plain FTP is disabled by policy")
		}
		return downloadFTP(ctx, req)
	default:
		return nil, ferrors.Config(ferrors.CodeBadConfig, fmt.Sprintf("unknown transport %q", req.Transport))
	}
}

// mtimeUnchanged reports whether the remote (mtime, size) pair exactly matches
// the feed's memo. Only trustworthy on SFTP.
func mtimeUnchanged(req Request, remoteMtime time.Time, remoteSize int64) bool {
	if req.LastRemoteMtime == nil || req.LastRemoteSize == nil {
		return false
	}
	return req.LastRemoteMtime.Equal(remoteMtime) && *req.LastRemoteSize == remoteSize
}

// readCapped reads r fully, aborting once the byte count overshoots max.
func readCapped(r io.Reader, max int64) ([]byte, error) {
	if max <= 0 {
		return io.ReadAll(r)
	}
	data, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > max {
		return nil, ferrors.Permanent(ferrors.CodeFileTooLarge,
			fmt.Sprintf("download exceeded size limit %d bytes", max))
	}
	return data, nil
}

// finalize decompresses (when configured), hashes, and applies hash-based
// change detection.
func finalize(req Request, raw []byte, mtime *time.Time, size int64) (*Result, error) {
	content := raw
	if req.Compression == CompressionGzip {
		zr, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, ferrors.Wrap(ferrors.KindPermanent, ferrors.CodeParseFailed,
				fmt.Errorf("gunzip feed content: %w", err))
		}
		defer zr.Close()
		content, err = readCapped(zr, req.MaxFileSizeBytes)
		if err != nil {
			return nil, err
		}
	}

	sum := sha256.Sum256(content)
	hash := hex.EncodeToString(sum[:])

	if req.LastContentHash != "" && req.LastContentHash == hash {
		log.Debug().
			Str("component", "fetcher").
			Str("feed_id", req.FeedID).
			Str("content_hash", hash).
			Msg("Content hash unchanged, skipping")
		return &Result{
			Mtime:         mtime,
			Size:          size,
			ContentHash:   hash,
			Skipped:       true,
			SkippedReason: SkipUnchangedHash,
		}, nil
	}

	return &Result{
		Content:     content,
		Mtime:       mtime,
		Size:        size,
		ContentHash: hash,
	}, nil
}
