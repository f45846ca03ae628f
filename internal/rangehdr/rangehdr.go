// Package rangehdr turns an inbound HTTP Range header into a concrete byte
// window bounded by the file size.
//
// Only a single prefix or explicit range ("bytes=a-" or "bytes=a-b") is
// supported. Suffix ranges ("bytes=-n") and multi-range requests are treated
// as malformed, and malformed headers degrade to a whole-file response.
package rangehdr

import (
	"math"
	"strconv"
	"strings"

	"gdrive-stream-proxy/internal/model"
)

const unitPrefix = "bytes="

// Negotiate resolves header against a file of size bytes.
//
// An empty header yields the whole file with partial=false. A header that
// cannot be parsed also yields the whole file, together with a
// *model.MalformedRangeError the caller should log and otherwise ignore.
// A range starting at or beyond size, or ending before it starts, fails with
// *model.RangeNotSatisfiableError. An open end is bounded to chunk bytes.
func Negotiate(header string, size, chunk uint64) (r model.ByteRange, partial bool, err error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return Whole(size), false, nil
	}

	start, end, open, perr := parse(header)
	if perr != nil {
		return Whole(size), false, perr
	}

	if start >= size {
		return model.ByteRange{}, false, &model.RangeNotSatisfiableError{Header: header, Size: size}
	}

	last := size - 1
	if open {
		end = math.MaxUint64
		if chunk > 0 && start <= math.MaxUint64-(chunk-1) {
			end = start + chunk - 1
		}
	} else if end < start {
		return model.ByteRange{}, false, &model.RangeNotSatisfiableError{Header: header, Size: size}
	}

	return model.ByteRange{Start: start, End: min(end, last)}, true, nil
}

// Whole returns the range covering a file of size bytes. An empty file
// yields the zero range; callers use the descriptor size, not Length, for it.
func Whole(size uint64) model.ByteRange {
	if size == 0 {
		return model.ByteRange{}
	}
	return model.ByteRange{Start: 0, End: size - 1}
}

// parse extracts the bounds of a single "bytes=a-b" or "bytes=a-" spec.
func parse(header string) (start, end uint64, open bool, err error) {
	malformed := func(reason string) (uint64, uint64, bool, error) {
		return 0, 0, false, &model.MalformedRangeError{Header: header, Reason: reason}
	}

	if len(header) < len(unitPrefix) || !strings.EqualFold(header[:len(unitPrefix)], unitPrefix) {
		return malformed("unsupported unit")
	}
	spec := strings.TrimSpace(header[len(unitPrefix):])
	if strings.Contains(spec, ",") {
		return malformed("multiple ranges not supported")
	}

	startStr, endStr, found := strings.Cut(spec, "-")
	if !found {
		return malformed("missing '-'")
	}
	startStr = strings.TrimSpace(startStr)
	endStr = strings.TrimSpace(endStr)

	if startStr == "" {
		return malformed("suffix ranges not supported")
	}
	start, perr := strconv.ParseUint(startStr, 10, 64)
	if perr != nil {
		return malformed("invalid start")
	}

	if endStr == "" {
		return start, 0, true, nil
	}
	end, perr = strconv.ParseUint(endStr, 10, 64)
	if perr != nil {
		return malformed("invalid end")
	}
	return start, end, false, nil
}

// ContentRange formats the Content-Range value for a satisfied range.
func ContentRange(r model.ByteRange, size uint64) string {
	return "bytes " + strconv.FormatUint(r.Start, 10) + "-" + strconv.FormatUint(r.End, 10) + "/" + strconv.FormatUint(size, 10)
}

// UnsatisfiedContentRange formats the Content-Range value sent with a 416.
func UnsatisfiedContentRange(size uint64) string {
	return "bytes */" + strconv.FormatUint(size, 10)
}

// Header formats r as an outbound Range request header.
func Header(r model.ByteRange) string {
	return unitPrefix + strconv.FormatUint(r.Start, 10) + "-" + strconv.FormatUint(r.End, 10)
}
