package photos

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bep/imagemeta"
)

const exifDateLayout = "2006:01:02 15:04:05"

var metadataFormats = map[string]imagemeta.ImageFormat{
	".jpg":  imagemeta.JPEG,
	".jpeg": imagemeta.JPEG,
	".png":  imagemeta.PNG,
	".webp": imagemeta.WebP,
}

// captureTime reads EXIF DateTimeOriginal. ok is false when the file has no
// usable timestamp.
func captureTime(p string) (time.Time, bool) {
	format, supported := metadataFormats[strings.ToLower(filepath.Ext(p))]
	if !supported {
		return time.Time{}, false
	}

	f, err := os.Open(p)
	if err != nil {
		return time.Time{}, false
	}
	defer f.Close()

	var taken time.Time
	_, err = imagemeta.Decode(imagemeta.Options{
		R:           f,
		ImageFormat: format,
		Sources:     imagemeta.EXIF,
		ShouldHandleTag: func(ti imagemeta.TagInfo) bool {
			return ti.Tag == "DateTimeOriginal"
		},
		HandleTag: func(ti imagemeta.TagInfo) error {
			if t, ok := parseExifTime(ti.Value); ok {
				taken = t
			}
			return nil
		},
	})
	if err != nil || taken.IsZero() {
		return time.Time{}, false
	}
	return taken, true
}

func parseExifTime(v any) (time.Time, bool) {
	switch val := v.(type) {
	case time.Time:
		return val, !val.IsZero()
	case string:
		t, err := time.ParseInLocation(exifDateLayout, strings.TrimSpace(val), time.Local)
		if err != nil {
			return time.Time{}, false
		}
		return t, true
	default:
		return time.Time{}, false
	}
}
