// Package attachstore copies attachment files into the event log's
// private attachment directory, named by the time the attachment was
// added (spec.md §6, attachment file copy contract).
package attachstore

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/ncruces/go-strftime"

	"github.com/rtcom/eventlogger/internal/errtax"
)

// Store copies attachment files under a root directory, one subdirectory
// per minute of wall-clock time. A basename collision within the same
// minute is disambiguated with a "-N" suffix on the directory rather than
// overwriting the earlier copy.
type Store struct {
	root string
}

// New builds a Store rooted at dir (normally Config.AttachmentsDir).
func New(dir string) *Store {
	return &Store{root: dir}
}

// Copy copies the file at srcPath into "<YYYYMMDDHHMM>/<basename>" under
// the store root. If that exact path is already taken (two attachments
// with the same basename copied in the same minute), it retries under
// "<YYYYMMDDHHMM>-N" for the first free N, so no copy ever silently
// overwrites another.
func (s *Store) Copy(ctx context.Context, srcPath string) (string, error) {
	src, err := os.Open(srcPath)
	if err != nil {
		return "", errtax.Wrap(errtax.Invalid, "open attachment source", err)
	}
	defer src.Close()

	base := filepath.Base(srcPath)
	stamp := strftime.Format("%Y%m%d%H%M", time.Now())

	for n := 0; n < 1000; n++ {
		dir := filepath.Join(s.root, dirName(stamp, n))
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", errtax.Wrap(errtax.Internal, "create attachment directory", err)
		}
		dstPath := filepath.Join(dir, base)
		dst, err := os.OpenFile(dstPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err != nil {
			if os.IsExist(err) {
				continue
			}
			return "", errtax.Wrap(errtax.Internal, "create attachment copy", err)
		}

		if _, err := copyWithContext(ctx, dst, src); err != nil {
			_ = dst.Close()
			_ = os.Remove(dstPath)
			return "", errtax.Wrap(errtax.Internal, "copy attachment", err)
		}
		if err := dst.Close(); err != nil {
			_ = os.Remove(dstPath)
			return "", errtax.Wrap(errtax.Internal, "close attachment copy", err)
		}
		return dstPath, nil
	}
	return "", errtax.New(errtax.Internal, "exhausted attachment directory suffixes for this minute")
}

func dirName(stamp string, n int) string {
	if n == 0 {
		return stamp
	}
	return stamp + "-" + strconv.Itoa(n)
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return io.Copy(dst, src)
}
