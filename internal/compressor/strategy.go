package compressor

import (
	"bufio"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"os"
	"path/filepath"

	"image-compressor-go/internal/logger"

	"github.com/disintegration/imaging"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// Strategy is one way of turning src into a smaller dst.
type Strategy interface {
	// Name identifies the strategy in errors and logs.
	Name() string
	// Label is the method label reported when the strategy succeeds.
	Label(opts Options) string
	// Compress writes the compressed form of src to dst.
	Compress(ctx context.Context, src, dst string, opts Options) error
}

// jpegReencoder re-encodes images as lossy JPEG at the requested quality.
type jpegReencoder struct {
	fs       afero.Fs
	metadata MetadataWriter
	logger   logrus.FieldLogger
}

func (s *jpegReencoder) Name() string { return "jpeg re-encode" }

func (s *jpegReencoder) Label(opts Options) string {
	return fmt.Sprintf("imaging(JPEG q=%d)", opts.Quality)
}

func (s *jpegReencoder) Compress(ctx context.Context, src, dst string, opts Options) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	img, err := decodeImage(s.fs, src)
	if err != nil {
		return err
	}
	img = flattenOnWhite(img)

	err = writeAtomically(s.fs, dst, func(w io.Writer) error {
		return imaging.Encode(w, img, imaging.JPEG, imaging.JPEGQuality(opts.Quality))
	})
	if err != nil {
		return err
	}

	if opts.PreserveMetadata && s.metadata != nil {
		if err := s.metadata.CopyAndMark(src, dst); err != nil {
			logger.WithFile(s.logger, src).Warnf("metadata not copied/marked: %v", err)
		}
	}
	return nil
}

// pngReencoder re-encodes PNG images losslessly with maximum deflate effort.
type pngReencoder struct {
	fs afero.Fs
}

func (s *pngReencoder) Name() string { return "png re-encode" }

func (s *pngReencoder) Label(Options) string { return "imaging(PNG best compression)" }

func (s *pngReencoder) Compress(ctx context.Context, src, dst string, _ Options) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	img, err := decodeImage(s.fs, src)
	if err != nil {
		return err
	}
	return writeAtomically(s.fs, dst, func(w io.Writer) error {
		return imaging.Encode(w, img, imaging.PNG, imaging.PNGCompressionLevel(png.BestCompression))
	})
}

// copyThrough copies the source unchanged.
type copyThrough struct {
	fs    afero.Fs
	label string
}

func (s *copyThrough) Name() string { return "copy" }

func (s *copyThrough) Label(Options) string { return s.label }

func (s *copyThrough) Compress(ctx context.Context, src, dst string, _ Options) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return copyFile(s.fs, src, dst)
}

func decodeImage(fs afero.Fs, path string) (image.Image, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open error: %w", err)
	}
	defer f.Close()

	img, err := imaging.Decode(f, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("decode error: %w", err)
	}
	return img, nil
}

// flattenOnWhite composites translucent images onto a white background since
// JPEG has no alpha channel.
func flattenOnWhite(img image.Image) image.Image {
	if o, ok := img.(interface{ Opaque() bool }); ok && o.Opaque() {
		return img
	}
	b := img.Bounds()
	bg := imaging.New(b.Dx(), b.Dy(), color.White)
	return imaging.Overlay(bg, img, image.Pt(0, 0), 1.0)
}

// writeAtomically writes to a uniquely named hidden temp file next to dst and
// renames it over dst, so a failed encode never leaves a truncated output
// behind and concurrent writers of the same basename never share a file.
func writeAtomically(fs afero.Fs, dst string, encode func(w io.Writer) error) error {
	out, err := tempSibling(fs, dst)
	if err != nil {
		return fmt.Errorf("create tmp file error: %w", err)
	}
	tmpPath := out.Name()
	committed := false
	defer func() {
		if !committed {
			_ = fs.Remove(tmpPath)
		}
	}()

	bw := bufio.NewWriter(out)
	if err := encode(bw); err != nil {
		out.Close()
		return fmt.Errorf("encode error: %w", err)
	}
	if err := bw.Flush(); err != nil {
		out.Close()
		return fmt.Errorf("write tmp file error: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close tmp file error: %w", err)
	}
	if err := fs.Rename(tmpPath, dst); err != nil {
		return fmt.Errorf("rename error: %w", err)
	}
	committed = true
	return nil
}

// tempSibling creates an empty file in the directory of dst. The name is
// hidden and ends in .tmp so input selection never picks it up.
func tempSibling(fs afero.Fs, dst string) (afero.File, error) {
	return afero.TempFile(fs, filepath.Dir(dst), "."+filepath.Base(dst)+".*.tmp")
}

// copyFile copies file src to dst keeping its mode and modification time.
func copyFile(fs afero.Fs, src, dst string) error {
	info, err := fs.Stat(src)
	if err != nil {
		return err
	}

	in, err := fs.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	err = writeAtomically(fs, dst, func(w io.Writer) error {
		_, err := io.Copy(w, in)
		return err
	})
	if err != nil {
		return err
	}

	if err := fs.Chmod(dst, info.Mode()); err != nil && !os.IsNotExist(err) {
		return err
	}
	return fs.Chtimes(dst, info.ModTime(), info.ModTime())
}
