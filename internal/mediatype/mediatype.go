// Package mediatype resolves the Content-Type a player should see for a
// stored video file.
package mediatype

import (
	"path"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/samber/lo"
)

const (
	// Fallback is used when neither the name nor the backend identifies a video type.
	Fallback = "video/mp4"
	// Matroska is the container type for .mkv files.
	Matroska = "video/x-matroska"
)

// videoContainers are the container types recognized by file extension.
var videoContainers = []string{
	Matroska,
	"video/webm",
	"video/mp4",
	"video/x-m4v",
	"video/quicktime",
	"video/x-msvideo",
	"video/x-flv",
	"video/mpeg",
	"video/3gpp",
}

// byExtension maps a lower-case extension (".mkv") to its container type.
var byExtension = buildExtensionTable()

func buildExtensionTable() map[string]string {
	known := lo.FilterMap(videoContainers, func(m string, _ int) (*mimetype.MIME, bool) {
		mt := mimetype.Lookup(m)
		return mt, mt != nil && mt.Extension() != ""
	})
	table := lo.SliceToMap(known, func(mt *mimetype.MIME) (string, string) {
		return mt.Extension(), mt.String()
	})
	// Common extensions mimetype does not list as primary.
	table[".mpg"] = "video/mpeg"
	return table
}

// Resolve picks the playback MIME type for a file.
//
// Matroska files always get the matroska type: backends report them as a
// generic binary or as whatever video/* type the sniffed codec suggests. For
// other names a known container extension wins when the backend reports
// anything other than a video type. A reported video/* type is kept as is.
// Everything else falls back to video/mp4.
func Resolve(name, reported string) string {
	reported = strings.TrimSpace(reported)

	container, known := ByName(name)
	if known && container == Matroska {
		return Matroska
	}
	if strings.HasPrefix(strings.ToLower(reported), "video/") {
		return reported
	}
	if known {
		return container
	}
	return Fallback
}

// ByName returns the container type for name's extension, if known.
func ByName(name string) (string, bool) {
	ext := strings.ToLower(path.Ext(name))
	if ext == "" {
		return "", false
	}
	m, ok := byExtension[ext]
	return m, ok
}
