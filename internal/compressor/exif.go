package compressor

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/barasher/go-exiftool"
	"github.com/rwcarlsen/goexif/exif"
	"github.com/spf13/afero"
)

// SoftwareMark is written to the EXIF Software tag of outputs when metadata is
// preserved, and marks a JPEG as already compressed.
const SoftwareMark = "ImageCompressor Compressed"

// MarkDetector reports whether a file was already produced by this tool.
type MarkDetector interface {
	IsMarked(path string) bool
}

// MetadataWriter copies metadata from src to dst and stamps SoftwareMark.
type MetadataWriter interface {
	CopyAndMark(src, dst string) error
}

// exifMarkDetector reads the EXIF Software tag with goexif. Lookups are cached
// by path, size and modification time.
type exifMarkDetector struct {
	fs    afero.Fs
	cache sync.Map
}

func newExifMarkDetector(fs afero.Fs) *exifMarkDetector {
	return &exifMarkDetector{fs: fs}
}

// IsMarked returns true if the EXIF Software tag contains SoftwareMark.
func (d *exifMarkDetector) IsMarked(path string) bool {
	info, err := d.fs.Stat(path)
	if err != nil {
		return false
	}
	key := cacheKey(path, info)
	if v, ok := d.cache.Load(key); ok {
		return v.(bool)
	}
	marked := d.readMark(path)
	d.cache.Store(key, marked)
	return marked
}

func (d *exifMarkDetector) readMark(path string) bool {
	f, err := d.fs.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	x, err := exif.Decode(f)
	if err != nil {
		return false
	}
	tag, err := x.Get(exif.Software)
	if err != nil {
		return false
	}
	val, err := tag.StringVal()
	if err != nil {
		return false
	}
	return strings.Contains(val, SoftwareMark)
}

func cacheKey(path string, info os.FileInfo) string {
	return fmt.Sprintf("%s:%d:%d", path, info.Size(), info.ModTime().UnixNano())
}

// preservedTags are copied from the source. Orientation is left out on purpose:
// pixels are already rotated by the decoder.
var preservedTags = []string{
	"Make", "Model", "LensModel", "Artist", "Copyright", "ImageDescription",
	"DateTimeOriginal", "CreateDate", "ModifyDate", "OffsetTimeOriginal",
	"ExposureTime", "FNumber", "ISO", "FocalLength", "Flash",
}

// exiftoolWriter copies metadata with the exiftool binary via go-exiftool.
type exiftoolWriter struct{}

// CopyAndMark copies the preserved tags and GPS block from src to dst and sets
// the Software tag.
func (exiftoolWriter) CopyAndMark(src, dst string) error {
	et, err := exiftool.NewExiftool()
	if err != nil {
		return fmt.Errorf("start exiftool: %w", err)
	}
	defer et.Close()

	files := et.ExtractMetadata(src)
	if len(files) == 0 {
		return fmt.Errorf("exiftool returned no metadata for %s", src)
	}
	if files[0].Err != nil {
		return fmt.Errorf("extract metadata: %w", files[0].Err)
	}

	out := exiftool.FileMetadata{File: dst, Fields: map[string]interface{}{}}
	for _, tag := range preservedTags {
		if v, ok := files[0].Fields[tag]; ok {
			out.Fields[tag] = v
		}
	}
	for tag, v := range files[0].Fields {
		if strings.HasPrefix(tag, "GPS") {
			out.Fields[tag] = v
		}
	}
	out.SetString("Software", SoftwareMark)

	batch := []exiftool.FileMetadata{out}
	et.WriteMetadata(batch)
	if batch[0].Err != nil {
		return fmt.Errorf("write metadata: %w", batch[0].Err)
	}
	return nil
}
