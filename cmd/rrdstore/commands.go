package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/wolfeidau/rrdstore"
	"github.com/wolfeidau/rrdstore/archive"
	"github.com/wolfeidau/rrdstore/backend"
)

// CreateCmd creates a database of a fixed size.
type CreateCmd struct {
	ID          string `arg:"" help:"Database identifier (a path for the file medium)."`
	Size        int64  `help:"Size in bytes." required:""`
	NoSignature bool   `help:"Leave the leading bytes zero instead of writing the signature."`
}

func (c *CreateCmd) Run(a *app) (err error) {
	b, err := a.open(c.ID, false)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, b.Close())
	}()

	size, err := b.Length()
	if err != nil {
		return err
	}
	if size != 0 {
		return fmt.Errorf("%s already exists with %d bytes", c.ID, size)
	}

	r, ok := b.(backend.Resizer)
	if !ok {
		return fmt.Errorf("%s medium cannot preallocate", a.medium)
	}
	if err := r.SetLength(c.Size); err != nil {
		return err
	}
	if !c.NoSignature && a.signature != "" && int64(len(a.signature)) <= c.Size {
		if err := b.Write(0, []byte(a.signature)); err != nil {
			return err
		}
	}

	a.logger.Info("created database", "id", c.ID, "medium", a.medium, "size", c.Size)
	return nil
}

// WriteCmd writes raw bytes into a database.
type WriteCmd struct {
	ID     string `arg:"" help:"Database identifier."`
	Offset int64  `help:"Byte offset to write at." default:"0"`
	Hex    string `help:"Bytes to write, hex encoded." required:""`
}

func (c *WriteCmd) Run(a *app) (err error) {
	p, err := hex.DecodeString(c.Hex)
	if err != nil {
		return fmt.Errorf("decoding hex: %w", err)
	}

	b, err := a.open(c.ID, false)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, b.Close())
	}()

	if err := b.Write(c.Offset, p); err != nil {
		return err
	}
	a.logger.Debug("wrote bytes", "id", c.ID, "offset", c.Offset, "bytes", len(p))
	return nil
}

// ReadCmd prints raw bytes from a database.
type ReadCmd struct {
	ID     string `arg:"" help:"Database identifier."`
	Offset int64  `help:"Byte offset to read from." default:"0"`
	Length int    `help:"Number of bytes to read." required:""`
}

func (c *ReadCmd) Run(a *app) (err error) {
	b, err := a.open(c.ID, true)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, b.Close())
	}()

	p, err := b.Read(c.Offset, c.Length)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(a.out, hex.EncodeToString(p))
	return err
}

// InfoCmd describes a database.
type InfoCmd struct {
	ID     string `arg:"" help:"Database identifier."`
	Verify string `help:"Fail unless the content hash equals this hex BLAKE3 digest."`
}

func (c *InfoCmd) Run(a *app) (err error) {
	var want rrdstore.Hash
	if c.Verify != "" {
		if want, err = rrdstore.ParseHash(c.Verify); err != nil {
			return fmt.Errorf("parsing --verify: %w", err)
		}
	}

	b, err := a.open(c.ID, true)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, b.Close())
	}()

	canonical, err := b.CanonicalIdentity()
	if err != nil {
		return err
	}
	hash, size, err := rrdstore.HashBackend(b)
	if err != nil {
		return err
	}

	if _, err := fmt.Fprintf(a.out, "id:        %s\nmedium:    %s\ncanonical: %s\nlength:    %d\nblake3:    %s\n",
		c.ID, a.medium, canonical, size, hash); err != nil {
		return err
	}
	if c.Verify != "" && hash != want {
		return fmt.Errorf("%s: content hash %s does not match %s", c.ID, hash.ShortString(), want.ShortString())
	}
	return nil
}

// ListCmd lists the databases a medium holds.
type ListCmd struct{}

func (c *ListCmd) Run(a *app) error {
	f, err := a.factory()
	if err != nil {
		return err
	}
	l, ok := f.(backend.Lister)
	if !ok {
		return fmt.Errorf("%s medium cannot list databases", f.Name())
	}
	ids, err := l.List()
	if err != nil {
		return err
	}
	for _, id := range ids {
		if _, err := fmt.Fprintln(a.out, id); err != nil {
			return err
		}
	}
	return nil
}

// DeleteCmd removes a database.
type DeleteCmd struct {
	ID string `arg:"" help:"Database identifier."`
}

func (c *DeleteCmd) Run(a *app) error {
	f, err := a.factory()
	if err != nil {
		return err
	}
	d, ok := f.(backend.Deleter)
	if !ok {
		return fmt.Errorf("%s medium cannot delete databases", f.Name())
	}
	deleted, err := d.Delete(c.ID)
	if err != nil {
		return err
	}
	if !deleted {
		return fmt.Errorf("%s: %w", c.ID, backend.ErrNotFound)
	}
	a.logger.Info("deleted database", "id", c.ID, "medium", f.Name())
	return nil
}

// ExportCmd writes a database to an archive file.
type ExportCmd struct {
	ID  string `arg:"" help:"Database identifier."`
	Out string `help:"Archive file to write." short:"o" required:""`
}

func (c *ExportCmd) Run(a *app) (err error) {
	b, err := a.open(c.ID, true)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, b.Close())
	}()

	out, err := os.Create(c.Out)
	if err != nil {
		return fmt.Errorf("creating archive: %w", err)
	}
	header, err := archive.Export(out, b, a.medium)
	if err != nil {
		_ = out.Close()
		_ = os.Remove(c.Out)
		return err
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("closing archive: %w", err)
	}

	a.logger.Info("exported database", "id", c.ID, "out", c.Out, "length", header.Length, "hash", header.ContentHash.ShortString())
	return nil
}

// ImportCmd loads a database from an archive file.
type ImportCmd struct {
	File      string `arg:"" help:"Archive file to read." type:"existingfile"`
	ID        string `help:"Identifier to import as. Defaults to the archived identifier."`
	Overwrite bool   `help:"Replace an existing database no longer than the archived one."`
}

func (c *ImportCmd) Run(a *app) error {
	f, err := a.factory()
	if err != nil {
		return err
	}

	in, err := os.Open(c.File)
	if err != nil {
		return fmt.Errorf("opening archive: %w", err)
	}
	defer func() { _ = in.Close() }()

	var opts []archive.ImportOption
	if c.Overwrite {
		opts = append(opts, archive.WithOverwrite())
	}
	header, err := archive.Import(in, f, c.ID, opts...)
	if err != nil {
		return err
	}

	id := c.ID
	if id == "" {
		id = header.Identifier
	}
	a.logger.Info("imported database", "id", id, "from", header.Medium, "length", header.Length, "hash", header.ContentHash.ShortString())
	return nil
}

// BenchCmd measures the hot path of a round-robin update: many small writes
// of single float64 words into a preallocated database.
type BenchCmd struct {
	Writes int   `help:"Number of 8-byte writes." default:"100000"`
	Size   int64 `help:"Database size in bytes." default:"65536"`
	Keep   bool  `help:"Keep the database afterwards."`
}

func (c *BenchCmd) Run(ctx context.Context, a *app) (err error) {
	if c.Size < backend.DoubleSize {
		return fmt.Errorf("size must be at least %d bytes", backend.DoubleSize)
	}

	id := "rrdstore-bench-" + uuid.NewString() + ".rrd"
	if a.medium == "file" {
		id = filepath.Join(os.TempDir(), id)
	}

	b, err := a.open(id, false)
	if err != nil {
		return err
	}
	if r, ok := b.(backend.Resizer); ok {
		if err := r.SetLength(c.Size); err != nil {
			_ = b.Close()
			return err
		}
	}

	slots := c.Size / backend.DoubleSize
	start := time.Now()
	done := 0
	for i := range c.Writes {
		if i%1024 == 0 && ctx.Err() != nil {
			break
		}
		if err := backend.WriteDouble(b, (int64(i)%slots)*backend.DoubleSize, float64(i)); err != nil {
			_ = b.Close()
			return err
		}
		done++
	}
	writeElapsed := time.Since(start)
	if err := b.Close(); err != nil {
		return err
	}
	total := time.Since(start)

	a.logger.Info("bench complete",
		"medium", a.medium,
		"writes", done,
		"write_time", writeElapsed,
		"close_time", total-writeElapsed,
		"writes_per_sec", int64(float64(done)/writeElapsed.Seconds()),
	)

	if c.Keep {
		a.logger.Info("kept bench database", "id", id)
		return nil
	}
	f, err := a.factory()
	if err != nil {
		return err
	}
	if d, ok := f.(backend.Deleter); ok {
		if _, err := d.Delete(id); err != nil {
			return err
		}
	}
	return ctx.Err()
}
