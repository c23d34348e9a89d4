package material

import (
	"archive/tar"
	"bufio"
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pithecene-io/oaiharvest/iox"
)

// maxExtracted bounds the bytes unpacked from one tarball.
const maxExtracted = 2 << 30

// ErrTooLarge is returned when a tarball unpacks to more than the size limit.
var ErrTooLarge = errors.New("extracted content exceeds size limit")

// Extract unpacks a tarball into dest. Gzip-compressed and plain tar are
// accepted; a gzip stream that is not a tar archive is written as main.tex,
// which is how single-file source submissions are distributed.
func Extract(path, dest string) error {
	return extract(path, dest, maxExtracted)
}

func extract(path, dest string, limit int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer iox.DiscardClose(f)

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return err
	}

	br := bufio.NewReader(f)
	var r io.Reader = br
	if magic, _ := br.Peek(2); bytes.Equal(magic, []byte{0x1f, 0x8b}) {
		gz, err := gzip.NewReader(br)
		if err != nil {
			return fmt.Errorf("extract %s: %w", path, err)
		}
		defer iox.DiscardClose(gz)
		r = gz
	}

	body := bufio.NewReader(&limitReader{r: r, n: limit})
	if !isTar(body) {
		if err := writeFile(filepath.Join(dest, "main.tex"), body, 0o644); err != nil {
			return fmt.Errorf("extract %s: %w", path, err)
		}
		return nil
	}

	tr := tar.NewReader(body)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("extract %s: %w", path, err)
		}
		target, err := within(dest, hdr.Name)
		if err != nil {
			return fmt.Errorf("extract %s: %w", path, err)
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			if err := writeFile(target, tr, 0o644); err != nil {
				return fmt.Errorf("extract %s: %w", path, err)
			}
		default:
			// Links and devices are skipped.
		}
	}
}

// limitReader reads at most n bytes from r and fails with ErrTooLarge when
// r holds more.
type limitReader struct {
	r io.Reader
	n int64
}

func (l *limitReader) Read(p []byte) (int, error) {
	if l.n <= 0 {
		var extra [1]byte
		n, err := l.r.Read(extra[:])
		if n > 0 {
			return 0, ErrTooLarge
		}
		return 0, err
	}
	if int64(len(p)) > l.n {
		p = p[:l.n]
	}
	n, err := l.r.Read(p)
	l.n -= int64(n)
	return n, err
}

// isTar checks for the ustar magic at offset 257 of the first header.
func isTar(r *bufio.Reader) bool {
	head, err := r.Peek(262)
	if err != nil {
		return false
	}
	return bytes.HasPrefix(head[257:], []byte("ustar"))
}

// within resolves name under dest and rejects entries escaping it.
func within(dest, name string) (string, error) {
	root := filepath.Clean(dest)
	target := filepath.Join(root, filepath.Clean("/"+name))
	if target == root {
		return root, nil
	}
	if !strings.HasPrefix(target, root+string(os.PathSeparator)) {
		return "", fmt.Errorf("entry %q escapes extraction dir", name)
	}
	return target, nil
}

func writeFile(path string, r io.Reader, perm os.FileMode) error {
	out, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
