package attachments

import (
	"path"
	"regexp"
	"strings"

	"chronicler/internal/archive"
)

// GenericBucket holds attachments whose type cannot be mapped.
const GenericBucket = "bin"

// buckets maps a MIME type to its media directory, which doubles as the
// file extension.
var buckets = map[string]string{
	"image/jpeg":               "jpg",
	"image/jpg":                "jpg",
	"image/pjpeg":              "jpg",
	"image/webp":               "webp",
	"image/png":                "png",
	"image/gif":                "gif",
	"video/mp4":                "mp4",
	"video/webm":               "webm",
	"video/quicktime":          "mov",
	"application/pdf":          "pdf",
	"audio/ogg":                "ogg",
	"audio/opus":               "ogg",
	"audio/mpeg":               "mp3",
	"audio/mp3":                "mp3",
	"audio/mp4":                "m4a",
	"audio/x-m4a":              "m4a",
	"audio/m4a":                "m4a",
	"application/x-tgsticker":  "tgs",
	"application/octet-stream": GenericBucket,
}

var extPattern = regexp.MustCompile(`^[a-z0-9]{1,8}$`)

// Bucket returns the media directory for an attachment. Known MIME types
// map to a fixed directory; documents keep their original extension; other
// image, audio and video types use their subtype without an "x-" prefix;
// anything else lands in GenericBucket.
func Bucket(mimeType, filename string) string {
	mt := strings.ToLower(strings.TrimSpace(mimeType))
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	if b, ok := buckets[mt]; ok && b != GenericBucket {
		return b
	}
	if ext := strings.TrimPrefix(strings.ToLower(path.Ext(filename)), "."); extPattern.MatchString(ext) {
		return ext
	}
	if b := mediaSubtype(mt); b != "" {
		return b
	}
	return GenericBucket
}

// mediaSubtype derives a bucket from "audio/x-wav" style types.
func mediaSubtype(mt string) string {
	top, sub, ok := strings.Cut(mt, "/")
	if !ok {
		return ""
	}
	switch top {
	case "image", "audio", "video":
	default:
		return ""
	}
	sub = strings.TrimPrefix(sub, "x-")
	if sub == "jpeg" {
		sub = "jpg"
	}
	if !extPattern.MatchString(sub) {
		return ""
	}
	return sub
}

// RelPath returns the topic-relative storage path for an attachment:
// media/<bucket>/<id>.<bucket>.
func RelPath(mimeType, filename, id string) string {
	b := Bucket(mimeType, filename)
	return path.Join(archive.MediaDirName, b, id+"."+b)
}
