// Package image loads firmware files into flash memory buffers.
package image

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/marcinbor85/gohex"

	"github.com/bigbag/tinyflash/internal/programmer"
)

// Format is the encoding of a firmware file.
type Format int

const (
	FormatAuto Format = iota
	FormatHex
	FormatBinary
)

func (f Format) String() string {
	switch f {
	case FormatHex:
		return "ihex"
	case FormatBinary:
		return "binary"
	default:
		return "auto"
	}
}

// ParseFormat parses a format name as given on the command line.
func ParseFormat(name string) (Format, error) {
	switch strings.ToLower(name) {
	case "", "auto":
		return FormatAuto, nil
	case "i", "ihex", "hex":
		return FormatHex, nil
	case "r", "raw", "bin", "binary":
		return FormatBinary, nil
	default:
		return FormatAuto, &programmer.ConfigError{Param: "format", Reason: fmt.Sprintf("unknown file format %q", name)}
	}
}

// DetectFormat guesses the format from the file extension.
func DetectFormat(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".hex", ".ihx", ".ihex", ".eep":
		return FormatHex
	default:
		return FormatBinary
	}
}

// Segment is a contiguous run of firmware bytes.
type Segment struct {
	Address uint32
	Data    []byte
}

// Image is a parsed firmware file.
type Image struct {
	Segments []Segment
}

// End returns the address following the highest byte of the image.
func (img *Image) End() uint32 {
	var end uint32
	for _, s := range img.Segments {
		end = max(end, s.Address+uint32(len(s.Data)))
	}
	return end
}

// Size returns the number of firmware bytes, not counting gaps.
func (img *Image) Size() int {
	n := 0
	for _, s := range img.Segments {
		n += len(s.Data)
	}
	return n
}

// Memory places the image into a flash memory of flashSize bytes. Bytes not
// covered by the image stay 0xFF.
func (img *Image) Memory(flashSize, pageSize int) (*programmer.Memory, error) {
	if end := img.End(); end > uint32(flashSize) {
		return nil, &programmer.SizeError{What: "image end", Size: uint64(end), Limit: uint64(flashSize)}
	}

	mem := programmer.NewMemory("flash", programmer.KindFlash, flashSize, pageSize)
	for _, s := range img.Segments {
		copy(mem.Buf[s.Address:], s.Data)
	}

	return mem, nil
}

// Load reads a firmware file. FormatAuto picks the format by extension.
func Load(path string, format Format) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	defer f.Close()

	if format == FormatAuto {
		format = DetectFormat(path)
	}

	img, err := Read(f, format)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", filepath.Base(path), err)
	}
	return img, nil
}

// Read parses a firmware image from r.
func Read(r io.Reader, format Format) (*Image, error) {
	switch format {
	case FormatHex:
		return readHex(r)
	case FormatBinary:
		return readBinary(r)
	default:
		return nil, fmt.Errorf("format %s needs a file name", format)
	}
}

func readHex(r io.Reader) (*Image, error) {
	ihex := gohex.NewMemory()
	if err := ihex.ParseIntelHex(r); err != nil {
		return nil, fmt.Errorf("invalid Intel HEX: %w", err)
	}

	img := &Image{}
	for _, segment := range ihex.GetDataSegments() {
		img.Segments = append(img.Segments, Segment{
			Address: segment.Address,
			Data:    bytes.Clone(segment.Data),
		})
	}
	return img, nil
}

func readBinary(r io.Reader) (*Image, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	img := &Image{}
	if len(data) > 0 {
		img.Segments = []Segment{{Address: 0, Data: data}}
	}
	return img, nil
}
