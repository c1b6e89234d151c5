package main

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"
	"github.com/opencontainers/go-digest"

	"github.com/meigma/blobcache"
)

// PAX records carrying entry metadata. Member names are sequence numbers
// because keys are arbitrary strings.
const (
	paxKey    = "BLOBCACHE.key"
	paxDigest = "BLOBCACHE.digest"
)

func runExport(g *globals, c *blobcache.Cache, args []string) error {
	fs := newFlagSet(g, "export")
	out := fs.String("o", "", "output file (.tar.zst)")
	if err := fs.Parse(args); err != nil || *out == "" || fs.NArg() != 0 {
		return usageError{}
	}
	f, err := os.Create(*out)
	if err != nil {
		return err
	}
	n, err := exportTo(f, c)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(*out)
		return err
	}
	fmt.Fprintf(g.stdout, "exported %d entries to %s\n", n, *out)
	return nil
}

// exportTo writes every entry, least recently used first, as a
// zstd-compressed tar stream. Entries evicted while the export runs are
// skipped.
func exportTo(w io.Writer, c *blobcache.Cache) (int, error) {
	zw, err := zstd.NewWriter(w)
	if err != nil {
		return 0, err
	}
	tw := tar.NewWriter(zw)

	n := 0
	for _, r := range c.Records() {
		ok, err := exportEntry(tw, r, n)
		if err != nil {
			_ = zw.Close()
			return n, fmt.Errorf("export %q: %w", r.Key, err)
		}
		if ok {
			n++
		}
	}
	if err := tw.Close(); err != nil {
		_ = zw.Close()
		return n, err
	}
	return n, zw.Close()
}

func exportEntry(tw *tar.Writer, r blobcache.RecordInfo, seq int) (bool, error) {
	f, err := os.Open(r.Path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer f.Close()

	hdr := &tar.Header{
		Typeflag: tar.TypeReg,
		Name:     fmt.Sprintf("%08d", seq),
		Mode:     0o600,
		Size:     r.Size,
		Format:   tar.FormatPAX,
		PAXRecords: map[string]string{
			paxKey:    r.Key,
			paxDigest: r.Digest.String(),
		},
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return false, err
	}
	if _, err := io.CopyN(tw, f, r.Size); err != nil {
		return false, err
	}
	return true, nil
}

func runImport(g *globals, c *blobcache.Cache, args []string) error {
	fs := newFlagSet(g, "import")
	in := fs.String("i", "", "input file (.tar.zst)")
	if err := fs.Parse(args); err != nil || *in == "" || fs.NArg() != 0 {
		return usageError{}
	}
	f, err := os.Open(*in)
	if err != nil {
		return err
	}
	defer f.Close()
	n, err := importFrom(f, c)
	if err != nil {
		return err
	}
	fmt.Fprintf(g.stdout, "imported %d entries from %s\n", n, *in)
	return nil
}

// importFrom puts every member of an export stream into c in stream order, so
// the recency order of the exported cache is reproduced. Members whose
// content does not match the recorded digest are rejected.
func importFrom(r io.Reader, c *blobcache.Cache) (int, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return 0, err
	}
	defer zr.Close()
	tr := tar.NewReader(zr)

	n := 0
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		key := hdr.PAXRecords[paxKey]
		if key == "" {
			return n, fmt.Errorf("member %s: missing key", hdr.Name)
		}
		if err := importEntry(c, tr, key, hdr.PAXRecords[paxDigest]); err != nil {
			return n, fmt.Errorf("import %q: %w", key, err)
		}
		n++
	}
}

// importEntry spools the member to a temporary file and hands it to the
// cache only once its digest checks out, so a rejected member never touches
// an existing entry.
func importEntry(c *blobcache.Cache, r io.Reader, key, want string) error {
	if want == "" {
		_, err := c.PutReader(key, r)
		return err
	}
	dgst, err := digest.Parse(want)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(c.Dir(), "import-*.part")
	if err != nil {
		tmp, err = os.CreateTemp("", "blobcache-import-*")
		if err != nil {
			return err
		}
	}
	defer os.Remove(tmp.Name())

	verifier := dgst.Verifier()
	_, err = io.Copy(tmp, io.TeeReader(r, verifier))
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return err
	}
	if !verifier.Verified() {
		return fmt.Errorf("digest mismatch, want %s", dgst)
	}
	_, err = c.Move(key, tmp.Name())
	return err
}
