package storage

import (
	"fmt"
	"path"
	"strings"
	"time"
)

const (
	uploadsPrefix = "uploads/"
	resultsPrefix = "results/"
)

// OriginalKey returns the object key for an uploaded source image:
// uploads/<owner>_<YYYYMMDD_HHMMSS_micro>_<filename>.
func OriginalKey(ownerID string, at time.Time, filename string) string {
	at = at.UTC()
	stamp := fmt.Sprintf("%s_%06d", at.Format("20060102_150405"), at.Nanosecond()/1000)
	return fmt.Sprintf("%s%s_%s_%s", uploadsPrefix, ownerID, stamp, baseFilename(filename))
}

// ResultKey returns the object key of the annotated output for a job.
func ResultKey(jobID string) string {
	return fmt.Sprintf("%sresult_%s.png", resultsPrefix, jobID)
}

func baseFilename(name string) string {
	name = strings.TrimSpace(strings.ReplaceAll(name, "\\", "/"))
	name = path.Base(name)
	if name == "." || name == "/" || name == "" {
		return "upload"
	}
	return name
}
