package compressor

import (
	"path/filepath"
	"strings"
)

// Format is the category of a source file that decides its strategy chain.
type Format int

const (
	FormatOther Format = iota
	FormatJPEG
	FormatPNG
)

// FormatOf returns the format category for a path based on its extension.
func FormatOf(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		return FormatJPEG
	case ".png":
		return FormatPNG
	default:
		return FormatOther
	}
}

// String returns the string representation of the Format.
func (f Format) String() string {
	switch f {
	case FormatJPEG:
		return "JPEG"
	case FormatPNG:
		return "PNG"
	default:
		return "Other"
	}
}
