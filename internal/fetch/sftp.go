package fetch

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"

	"github.com/calibermatch/feed-service/internal/ferrors"
)

// downloadSFTP fetches over SFTP. Mtime from stat is trusted for change
// detection; a missing file is a successful FILE_NOT_FOUND skip, not an error,
// since feeds briefly disappear during remote regeneration.
func downloadSFTP(ctx context.Context, req Request) (*Result, error) {
	port := req.Port
	if port == 0 {
		port = 22
	}
	addr := net.JoinHostPort(req.Host, fmt.Sprintf("%d", port))

	sshCfg := &ssh.ClientConfig{
		User: req.Username,
		Auth: []ssh.AuthMethod{
			ssh.Password(req.Password),
		},
		// Feed hosts are partner-managed boxes with rotating keys; trust is
		// anchored at the credential level.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         connectTimeout,
	}

	conn, err := ssh.Dial("tcp", addr, sshCfg)
	if err != nil {
		return nil, fmt.Errorf("ssh dial %s: %w", addr, err)
	}
	defer conn.Close()

	client, err := sftp.NewClient(conn)
	if err != nil {
		return nil, fmt.Errorf("sftp session: %w", err)
	}
	defer client.Close()

	info, err := client.Stat(req.Path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Warn().
				Str("component", "fetcher").
				Str("feed_id", req.FeedID).
				Str("path", req.Path).
				Msg("Remote file not found, treating as skip")
			return &Result{Skipped: true, SkippedReason: SkipFileNotFound}, nil
		}
		return nil, fmt.Errorf("sftp stat %s: %w", req.Path, err)
	}

	mtime := info.ModTime().UTC()
	size := info.Size()

	if req.MaxFileSizeBytes > 0 && size > req.MaxFileSizeBytes {
		return nil, ferrors.Permanent(ferrors.CodeFileTooLarge,
			fmt.Sprintf("remote file is %d bytes, limit %d", size, req.MaxFileSizeBytes))
	}

	if mtimeUnchanged(req, mtime, size) {
		log.Debug().
			Str("component", "fetcher").
			Str("feed_id", req.FeedID).
			Time("mtime", mtime).
			Int64("size", size).
			Msg("Remote mtime/size unchanged, skipping download")
		return &Result{
			Mtime:         &mtime,
			Size:          size,
			Skipped:       true,
			SkippedReason: SkipUnchangedMtime,
		}, nil
	}

	f, err := client.Open(req.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Result{Skipped: true, SkippedReason: SkipFileNotFound}, nil
		}
		return nil, fmt.Errorf("sftp open %s: %w", req.Path, err)
	}
	defer f.Close()

	started := time.Now()
	raw, err := readCapped(f, req.MaxFileSizeBytes)
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("component", "fetcher").
		Str("feed_id", req.FeedID).
		Int("bytes", len(raw)).
		Dur("elapsed", time.Since(started)).
		Msg("Downloaded feed file via SFTP")

	return finalize(req, raw, &mtime, size)
}
