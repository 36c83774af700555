package services

import (
	"mime"
	"strings"

	"clinic-chat/models"

	"github.com/gabriel-vasile/mimetype"
)

const octetStream = "application/octet-stream"

// mimeExtensions is the single MIME to extension table used by every ingestion path.
var mimeExtensions = map[string]string{
	"image/jpeg":    "jpg",
	"image/jpg":     "jpg",
	"image/png":     "png",
	"image/gif":     "gif",
	"image/webp":    "webp",
	"image/svg+xml": "svg",
	"image/bmp":     "bmp",
	"image/tiff":    "tiff",

	"video/mp4":       "mp4",
	"video/mpeg":      "mpeg",
	"video/webm":      "webm",
	"video/quicktime": "mov",
	"video/x-msvideo": "avi",
	"video/3gpp":      "3gp",

	"audio/ogg":  "ogg",
	"audio/mpeg": "mp3",
	"audio/mp4":  "m4a",
	"audio/wav":  "wav",
	"audio/webm": "webm",
	"audio/aac":  "aac",
	"audio/opus": "opus",

	"application/pdf":               "pdf",
	"application/msword":            "doc",
	"application/vnd.ms-excel":      "xls",
	"application/vnd.ms-powerpoint": "ppt",
	"text/plain":                    "txt",
	"text/csv":                      "csv",
	"application/zip":               "zip",
	"application/x-rar-compressed":  "rar",
	"application/x-7z-compressed":   "7z",

	"application/vnd.openxmlformats-officedocument.wordprocessingml.document":   "docx",
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":         "xlsx",
	"application/vnd.openxmlformats-officedocument.presentationml.presentation": "pptx",
}

type typeDefault struct {
	mime string
	ext  string
}

// typeDefaults maps a declared message type to the MIME and extension assumed
// when nothing better is known.
var typeDefaults = map[string]typeDefault{
	models.TypeImage:    {"image/jpeg", "jpg"},
	models.TypeVideo:    {"video/mp4", "mp4"},
	models.TypeAudio:    {"audio/ogg", "ogg"},
	models.TypePTT:      {"audio/ogg", "ogg"},
	models.TypeSticker:  {"image/webp", "webp"},
	models.TypeDocument: {"application/pdf", "pdf"},
}

// NormalizeMIME lowercases m and strips parameters such as "; codecs=opus".
func NormalizeMIME(m string) string {
	m = strings.TrimSpace(m)
	if m == "" {
		return ""
	}
	if parsed, _, err := mime.ParseMediaType(m); err == nil {
		return parsed
	}
	if i := strings.IndexByte(m, ';'); i >= 0 {
		m = m[:i]
	}
	return strings.ToLower(strings.TrimSpace(m))
}

// ResolveMIME returns the first usable candidate, in precedence order, and
// falls back to the default for messageType.
func ResolveMIME(messageType string, candidates ...string) string {
	for _, c := range candidates {
		if m := NormalizeMIME(c); m != "" && m != octetStream {
			return m
		}
	}
	if d, ok := typeDefaults[messageType]; ok {
		return d.mime
	}
	return octetStream
}

// ExtensionFor returns the file extension (without dot) for a MIME type.
func ExtensionFor(mimeType, messageType string) string {
	m := NormalizeMIME(mimeType)
	if ext, ok := mimeExtensions[m]; ok {
		return ext
	}
	if m != "" && m != octetStream {
		if mt := mimetype.Lookup(m); mt != nil && mt.Extension() != "" {
			return strings.TrimPrefix(mt.Extension(), ".")
		}
	}
	if d, ok := typeDefaults[messageType]; ok {
		return d.ext
	}
	if _, sub, ok := strings.Cut(m, "/"); ok && sub != "" && len(sub) <= 5 && !strings.ContainsAny(sub, ".+-") {
		return sub
	}
	return "bin"
}

// AttachmentType narrows a message type to the attachment kinds we store.
func AttachmentType(messageType, mimeType string) string {
	switch messageType {
	case models.TypeImage, models.TypeSticker:
		return models.AttachmentImage
	case models.TypeVideo:
		return models.AttachmentVideo
	case models.TypeAudio, models.TypePTT:
		return models.AttachmentAudio
	case models.TypeDocument:
		return models.AttachmentDocument
	}
	switch {
	case strings.HasPrefix(NormalizeMIME(mimeType), "image/"):
		return models.AttachmentImage
	case strings.HasPrefix(NormalizeMIME(mimeType), "video/"):
		return models.AttachmentVideo
	case strings.HasPrefix(NormalizeMIME(mimeType), "audio/"):
		return models.AttachmentAudio
	}
	return models.AttachmentDocument
}

// MessageTypeFromMIME guesses a message type for media that arrived without one.
func MessageTypeFromMIME(mimeType string) string {
	m := NormalizeMIME(mimeType)
	switch {
	case m == "image/webp":
		return models.TypeSticker
	case strings.HasPrefix(m, "image/"):
		return models.TypeImage
	case strings.HasPrefix(m, "video/"):
		return models.TypeVideo
	case strings.HasPrefix(m, "audio/"):
		return models.TypeAudio
	case m == "":
		return ""
	}
	return models.TypeDocument
}
