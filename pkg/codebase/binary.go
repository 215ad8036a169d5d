package codebase

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

// BinaryDetector reports whether the file at absPath should be skipped as binary.
type BinaryDetector func(absPath string) bool

const (
	sniffBytes         = 1024
	nonTextRatioCutoff = 0.30
)

//nolint:gochecknoglobals // read-only lookup table
var binaryExtensions = map[string]bool{
	".pyc": true, ".pyo": true, ".so": true, ".dll": true, ".exe": true,
	".bin": true, ".dat": true, ".db": true,
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".bmp": true,
	".ico": true, ".tif": true, ".tiff": true,
	".zip": true, ".tar": true, ".gz": true, ".rar": true,
	".jar": true, ".war": true, ".ear": true, ".pdf": true,
}

// IsBinaryExtension reports whether ext (with dot, any case) is a known binary extension.
func IsBinaryExtension(ext string) bool {
	return binaryExtensions[strings.ToLower(ext)]
}

// DefaultBinaryDetector checks the extension first, then sniffs the first
// 1024 bytes for a NUL byte or more than 30% non-text bytes. Unreadable
// files are treated as binary.
func DefaultBinaryDetector(absPath string) bool {
	if IsBinaryExtension(filepath.Ext(absPath)) {
		return true
	}
	f, err := os.Open(absPath)
	if err != nil {
		return true
	}
	defer f.Close()

	buf := make([]byte, sniffBytes)
	n, err := io.ReadFull(f, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return true
	}
	return LooksBinary(buf[:n])
}

// LooksBinary applies the content heuristic to a sample.
func LooksBinary(sample []byte) bool {
	if len(sample) == 0 {
		return false
	}
	if bytes.IndexByte(sample, 0) >= 0 {
		return true
	}

	nonText := 0
	for i := 0; i < len(sample); {
		r, size := utf8.DecodeRune(sample[i:])
		switch {
		case r == utf8.RuneError && size == 1:
			// A multi-byte sequence cut off by the sample boundary is still text.
			if len(sample)-i >= utf8.UTFMax {
				nonText++
			}
		case r < 0x20 && r != '\n' && r != '\r' && r != '\t' && r != '\f' && r != '\b':
			nonText++
		}
		i += size
	}
	return float64(nonText)/float64(len(sample)) > nonTextRatioCutoff
}
