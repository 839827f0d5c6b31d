package router

import (
	"strings"

	"batchconvert/internal/models"
)

// Extension tables used for category detection and local-eligibility checks.
var (
	imageExts = []string{"jpg", "jpeg", "png", "gif", "webp", "bmp", "tiff", "ico", "svg"}
	videoExts = []string{"mp4", "avi", "mov", "mkv", "webm", "flv", "wmv", "mpeg", "mpg", "m4v"}
	audioExts = []string{"mp3", "wav", "flac", "aac", "ogg", "m4a", "wma", "opus", "aiff", "alac"}

	// Formats the local engine can decode. Narrower than the category tables:
	// the in-process engine ships with a reduced codec set.
	localFormats = []string{
		"jpg", "jpeg", "png", "gif", "webp", "bmp",
		"mp4", "avi", "mov", "webm",
		"mp3", "wav", "flac", "ogg",
	}
)

// LocalSizeLimit is the largest file the local engine will accept.
const LocalSizeLimit = 2 * 1024 * 1024 * 1024 // 2 GiB

// FileCategory determines the coarse media category of a file from its MIME
// type, falling back to the extension tables.
func FileCategory(file models.File) models.Category {
	mime := strings.ToLower(file.MIME)
	switch {
	case strings.HasPrefix(mime, "image/"):
		return models.CategoryImage
	case strings.HasPrefix(mime, "video/"):
		return models.CategoryVideo
	case strings.HasPrefix(mime, "audio/"):
		return models.CategoryAudio
	}
	return FormatCategory(models.Extension(file.Name))
}

// FormatCategory maps a file extension to its media category.
func FormatCategory(ext string) models.Category {
	ext = strings.ToLower(ext)
	switch {
	case contains(imageExts, ext):
		return models.CategoryImage
	case contains(videoExts, ext):
		return models.CategoryVideo
	case contains(audioExts, ext):
		return models.CategoryAudio
	}
	return models.CategoryUnknown
}

// CanConvertLocally reports whether a file is eligible for the client route.
// The same predicate gates fallback from the server lane, so routing and
// error-recovery eligibility cannot drift apart.
func CanConvertLocally(file models.File) bool {
	ext := models.Extension(file.Name)
	return contains(localFormats, ext) && file.Size <= LocalSizeLimit
}

// CompatibleFormats reports whether a conversion between two formats stays
// within one media category. Video to GIF is allowed as the single
// cross-category exception.
func CompatibleFormats(inputFormat, outputFormat string) bool {
	in := FormatCategory(inputFormat)
	out := FormatCategory(strings.ToLower(outputFormat))

	if in == models.CategoryUnknown || out == models.CategoryUnknown {
		return false
	}
	if in == out {
		return true
	}
	return in == models.CategoryVideo && strings.ToLower(outputFormat) == "gif"
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
