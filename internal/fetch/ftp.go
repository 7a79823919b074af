package fetch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/textproto"

	"github.com/jlaffaye/ftp"
	"github.com/rs/zerolog/log"

	"github.com/calibermatch/feed-service/internal/ferrors"
)

// downloadFTP fetches over plain FTP. FTP mtimes are unreliable across
// servers, so change detection is hash-only: always download, compare after.
func downloadFTP(ctx context.Context, req Request) (*Result, error) {
	port := req.Port
	if port == 0 {
		port = 21
	}
	addr := net.JoinHostPort(req.Host, fmt.Sprintf("%d", port))

	conn, err := ftp.Dial(addr,
		ftp.DialWithContext(ctx),
		ftp.DialWithTimeout(connectTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("ftp dial %s: %w", addr, err)
	}
	defer conn.Quit()

	if err := conn.Login(req.Username, req.Password); err != nil {
		return nil, fmt.Errorf("ftp login: %w", err)
	}

	// SIZE preflight. Not every server supports it; a failure other than
	// file-unavailable just skips the preflight.
	if size, err := conn.FileSize(req.Path); err == nil {
		if req.MaxFileSizeBytes > 0 && size > req.MaxFileSizeBytes {
			return nil, ferrors.Permanent(ferrors.CodeFileTooLarge,
				fmt.Sprintf("remote file is %d bytes, limit %d", size, req.MaxFileSizeBytes))
		}
	} else if isFileUnavailable(err) {
		log.Warn().
			Str("component", "fetcher").
			Str("feed_id", req.FeedID).
			Str("path", req.Path).
			Msg("Remote file not found, treating as skip")
		return &Result{Skipped: true, SkippedReason: SkipFileNotFound}, nil
	}

	resp, err := conn.Retr(req.Path)
	if err != nil {
		if isFileUnavailable(err) {
			return &Result{Skipped: true, SkippedReason: SkipFileNotFound}, nil
		}
		return nil, fmt.Errorf("ftp retr %s: %w", req.Path, err)
	}
	defer resp.Close()

	raw, err := readCapped(resp, req.MaxFileSizeBytes)
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("component", "fetcher").
		Str("feed_id", req.FeedID).
		Int("bytes", len(raw)).
		Msg("Downloaded feed file via FTP")

	return finalize(req, raw, nil, int64(len(raw)))
}

func isFileUnavailable(err error) bool {
	var proto *textproto.Error
	if errors.As(err, &proto) {
		return proto.Code == ftp.StatusFileUnavailable
	}
	return false
}
