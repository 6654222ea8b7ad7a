package session

// artifact.go - opening the per-session log files.

import (
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	pkerr "pktlog/internal/errors"
)

// Opener creates the artifact a recorded session writes to.  name is the
// expanded log name, already checked to be a local path.  Open returns
// the writer and the path it resolved to, for operational logging.
type Opener interface {
	Open(name string) (w io.WriteCloser, path string, err error)
}

// FileOpener writes artifacts under Dir, creating parent directories as
// needed.  An existing file with the same name is truncated.  With
// Compress set, artifacts are zstd streams and get a ".zst" suffix.
type FileOpener struct {
	Dir      string
	Compress bool
}

// Open implements Opener.
func (o FileOpener) Open(name string) (io.WriteCloser, string, error) {
	if !filepath.IsLocal(name) {
		return nil, name, pkerr.ErrPathEscape
	}
	path := filepath.Join(o.Dir, name)
	if o.Compress {
		path += ".zst"
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, path, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, path, err
	}
	if !o.Compress {
		return f, path, nil
	}

	enc, err := zstd.NewWriter(f)
	if err != nil {
		f.Close()
		return nil, path, err
	}
	return &zstdFile{enc: enc, f: f}, path, nil
}

// zstdFile flushes a complete block after every write so a crashed
// relay leaves a readable prefix behind.
type zstdFile struct {
	enc *zstd.Encoder
	f   *os.File
}

func (z *zstdFile) Write(p []byte) (int, error) {
	n, err := z.enc.Write(p)
	if err != nil {
		return n, err
	}
	return n, z.enc.Flush()
}

func (z *zstdFile) Close() error {
	err := z.enc.Close()
	if cerr := z.f.Close(); err == nil {
		err = cerr
	}
	return err
}
