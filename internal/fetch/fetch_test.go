package fetch

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calibermatch/feed-service/internal/ferrors"
)

func sha(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func TestDownloadPlainFTPGatedByPolicy(t *testing.T) {
	_, err := Download(context.Background(), Request{Transport: TransportFTP, Host: "ftp.example.com"})
	require.Error(t, err)
	fe := ferrors.Classify(err)
	assert.Equal(t, ferrors.KindConfig, fe.Kind)
}

func TestDownloadUnknownTransport(t *testing.T) {
	_, err := Download(context.Background(), Request{Transport: "CARRIER_PIGEON"})
	require.Error(t, err)
	assert.Equal(t, ferrors.KindConfig, ferrors.Classify(err).Kind)
}

func TestFinalizeSkipsOnUnchangedHash(t *testing.T) {
	content := []byte("Name,URL,Price\n")
	req := Request{LastContentHash: sha(content)}

	res, err := finalize(req, content, nil, int64(len(content)))
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Equal(t, SkipUnchangedHash, res.SkippedReason)
	assert.Nil(t, res.Content)
	assert.Equal(t, sha(content), res.ContentHash)
}

func TestFinalizeReturnsContentOnChangedHash(t *testing.T) {
	content := []byte("Name,URL,Price\nX,https://a.example.com/x,5\n")
	req := Request{LastContentHash: "deadbeef"}

	res, err := finalize(req, content, nil, int64(len(content)))
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.Equal(t, content, res.Content)
	assert.Equal(t, sha(content), res.ContentHash)
}

func TestFinalizeGunzipsAndHashesDecompressedBytes(t *testing.T) {
	plain := []byte("Name,URL,Price\nX,https://a.example.com/x,5\n")
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write(plain)
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	req := Request{Compression: CompressionGzip}
	res, err := finalize(req, buf.Bytes(), nil, int64(buf.Len()))
	require.NoError(t, err)
	assert.Equal(t, plain, res.Content)
	assert.Equal(t, sha(plain), res.ContentHash, "hash is of decompressed bytes")
}

func TestFinalizeRejectsCorruptGzip(t *testing.T) {
	req := Request{Compression: CompressionGzip}
	_, err := finalize(req, []byte("not gzip at all"), nil, 15)
	require.Error(t, err)
	assert.Equal(t, ferrors.KindPermanent, ferrors.Classify(err).Kind)
}

func TestReadCappedAbortsOnOvershoot(t *testing.T) {
	data := bytes.Repeat([]byte("a"), 100)

	got, err := readCapped(bytes.NewReader(data), 100)
	require.NoError(t, err)
	assert.Len(t, got, 100)

	_, err = readCapped(bytes.NewReader(data), 99)
	require.Error(t, err)
	fe := ferrors.Classify(err)
	assert.Equal(t, ferrors.KindPermanent, fe.Kind)
	assert.Equal(t, ferrors.CodeFileTooLarge, fe.Code)
}

func TestMtimeUnchanged(t *testing.T) {
	mtime := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	size := int64(4096)

	req := Request{LastRemoteMtime: &mtime, LastRemoteSize: &size}
	assert.True(t, mtimeUnchanged(req, mtime, 4096))
	assert.False(t, mtimeUnchanged(req, mtime.Add(time.Second), 4096))
	assert.False(t, mtimeUnchanged(req, mtime, 4097))
	assert.False(t, mtimeUnchanged(Request{}, mtime, 4096), "no memo means download")
}
