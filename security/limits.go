// Package security holds the resource bounds applied while loading
// untrusted PDF files.
package security

import (
	"errors"
	"fmt"
	"time"

	"github.com/wudi/pdfops/filters"
	"github.com/wudi/pdfops/scanner"
)

// ErrLimitExceeded is wrapped by every error reporting a crossed bound.
var ErrLimitExceeded = errors.New("resource limit exceeded")

// Limits bounds the work done on a single input. Zero fields take the
// defaults from DefaultLimits.
type Limits struct {
	// Maximum decompressed stream size (zip bombs). Default: 100 MB.
	MaxDecompressedSize int64

	// Maximum XRef chain length (Prev entries). Default: 50.
	MaxXRefDepth int

	// Maximum array/dictionary nesting. Default: 100.
	MaxNesting int

	// Maximum number of indirect objects in one file. Default: 1,000,000.
	MaxObjects int

	// Maximum string length (bytes). Default: 10 MB.
	MaxStringLength int64

	// Maximum raw stream length (bytes). Default: 50 MB.
	MaxStreamLength int64

	// Maximum decode time per stream. Default: 30s.
	MaxDecodeTime time.Duration

	// Maximum total parse time. Default: 5m.
	MaxParseTime time.Duration
}

// DefaultLimits returns the bounds used when a Limits field is zero.
func DefaultLimits() Limits {
	return Limits{
		MaxDecompressedSize: 100 * 1024 * 1024,
		MaxXRefDepth:        50,
		MaxNesting:          100,
		MaxObjects:          1_000_000,
		MaxStringLength:     10 * 1024 * 1024,
		MaxStreamLength:     50 * 1024 * 1024,
		MaxDecodeTime:       30 * time.Second,
		MaxParseTime:        5 * time.Minute,
	}
}

// WithDefaults fills every zero field from DefaultLimits.
func (l Limits) WithDefaults() Limits {
	d := DefaultLimits()
	if l.MaxDecompressedSize <= 0 {
		l.MaxDecompressedSize = d.MaxDecompressedSize
	}
	if l.MaxXRefDepth <= 0 {
		l.MaxXRefDepth = d.MaxXRefDepth
	}
	if l.MaxNesting <= 0 {
		l.MaxNesting = d.MaxNesting
	}
	if l.MaxObjects <= 0 {
		l.MaxObjects = d.MaxObjects
	}
	if l.MaxStringLength <= 0 {
		l.MaxStringLength = d.MaxStringLength
	}
	if l.MaxStreamLength <= 0 {
		l.MaxStreamLength = d.MaxStreamLength
	}
	if l.MaxDecodeTime <= 0 {
		l.MaxDecodeTime = d.MaxDecodeTime
	}
	if l.MaxParseTime <= 0 {
		l.MaxParseTime = d.MaxParseTime
	}
	return l
}

// Scanner converts the limits into tokenizer settings.
func (l Limits) Scanner() scanner.Config {
	return scanner.Config{
		MaxStringLength: l.MaxStringLength,
		MaxArrayDepth:   l.MaxNesting,
		MaxDictDepth:    l.MaxNesting,
		MaxStreamLength: l.MaxStreamLength,
	}
}

// Filters converts the limits into decode pipeline bounds.
func (l Limits) Filters() filters.Limits {
	return filters.Limits{
		MaxDecompressedSize: l.MaxDecompressedSize,
		MaxDecodeTime:       l.MaxDecodeTime,
	}
}

// CheckObjects reports whether a file declaring n objects may be loaded.
func (l Limits) CheckObjects(n int) error {
	if l.MaxObjects > 0 && n > l.MaxObjects {
		return fmt.Errorf("%w: %d objects (max %d)", ErrLimitExceeded, n, l.MaxObjects)
	}
	return nil
}
