package detector

import (
	"math"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// FileUpload is a detected or manually entered attachment.
type FileUpload struct {
	FileName        string    `json:"file_name"`
	Extension       string    `json:"extension"`
	SizeKB          float64   `json:"size_kb"`
	EstimatedTokens int       `json:"estimated_tokens"`
	Description     string    `json:"description"`
	Manual          bool      `json:"manual,omitempty"`
	AddedAt         time.Time `json:"added_at"`
}

const defaultTokensPerKB = 150

// tokensPerKB maps file extensions to estimated tokens per kilobyte.
// Plain text and code are dense, binary-ish formats much less so.
var tokensPerKB = map[string]int{
	"txt": 256, "md": 256, "csv": 256,
	"js": 333, "py": 333, "java": 333, "cpp": 333, "c": 333,
	"html": 333, "css": 333, "json": 333, "xml": 333,
	"pdf": 200, "doc": 200, "docx": 200, "xls": 200, "xlsx": 200,
	"jpg": 100, "jpeg": 100, "png": 100, "gif": 100,
}

// fallbackSizeKB is used when no size text is found near the attachment.
var fallbackSizeKB = map[string]float64{
	"txt": 10, "md": 10, "csv": 50, "json": 20,
	"pdf": 500, "doc": 150, "docx": 150, "xls": 200, "xlsx": 200,
	"jpg": 300, "jpeg": 300, "png": 300, "gif": 200,
}

const defaultFallbackSizeKB = 50

var fileDescriptions = map[string]string{
	"txt": "Text file", "js": "JavaScript", "py": "Python", "java": "Java",
	"cpp": "C++", "c": "C", "html": "HTML", "css": "CSS", "json": "JSON",
	"xml": "XML", "md": "Markdown", "pdf": "PDF document",
	"doc": "Word document", "docx": "Word document",
	"jpg": "Image (JPG)", "jpeg": "Image (JPEG)", "png": "Image (PNG)",
	"gif": "Image (GIF)", "csv": "CSV file", "xls": "Excel file",
	"xlsx": "Excel file",
}

var (
	// filenamePattern requires a real `name.extension` shape; anything else
	// is discarded as a detection miss.
	filenamePattern = regexp.MustCompile(`\b([\w][\w\- .()]*\.(?:txt|md|csv|js|py|java|cpp|c|html|css|json|xml|pdf|docx?|xlsx?|jpe?g|png|gif))\b`)

	// sizePattern matches "<number><unit>" size annotations next to the name.
	sizePattern = regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)\s*(KB|MB|GB|B|bytes)`)

	// attachmentMarkers gate file scanning to snapshots that show
	// attachment-like UI, to avoid counting filenames merely discussed in text.
	attachmentMarkers = regexp.MustCompile(`(?i)(?:data-file|attachment|file-upload|uploaded|file-item|📎)`)
)

// FileExtension returns the lower-cased extension without the dot, or ""
// when the name has no usable extension.
func FileExtension(name string) string {
	ext := strings.TrimPrefix(filepath.Ext(name), ".")
	if ext == "" || ext == name {
		return ""
	}
	return strings.ToLower(ext)
}

// EstimateFileTokens estimates tokens for a file of the given name and size.
func EstimateFileTokens(name string, sizeKB float64) int {
	perKB, ok := tokensPerKB[FileExtension(name)]
	if !ok {
		perKB = defaultTokensPerKB
	}
	return int(math.Ceil(sizeKB * float64(perKB)))
}

// FileDescription returns a display label for the extension.
func FileDescription(ext string) string {
	if d, ok := fileDescriptions[strings.ToLower(ext)]; ok {
		return d
	}
	return "File"
}

// normalizeSizeKB converts a parsed number and unit to kilobytes.
func normalizeSizeKB(value float64, unit string) float64 {
	switch strings.ToLower(unit) {
	case "b", "bytes":
		return value / 1024
	case "mb":
		return value * 1024
	case "gb":
		return value * 1024 * 1024
	default: // KB
		return value
	}
}

// DetectFiles scans the snapshot for attachment-like elements and returns
// one FileUpload per distinct filename. Size comes from a nearby
// "<number><unit>" annotation when present, else the static per-extension
// fallback. De-duplication across scans is the Detector's job, not this one.
func DetectFiles(s *Snapshot, now time.Time) []FileUpload {
	if !attachmentMarkers.MatchString(s.Body) {
		return nil
	}

	var files []FileUpload
	seen := map[string]bool{}

	for _, loc := range filenamePattern.FindAllStringSubmatchIndex(s.Body, -1) {
		name := s.Body[loc[2]:loc[3]]
		if seen[name] {
			continue
		}
		seen[name] = true

		ext := FileExtension(name)
		if ext == "" {
			continue
		}

		sizeKB, ok := sizeNear(s.Body, loc[3])
		if !ok {
			sizeKB, ok = fallbackSizeKB[ext]
			if !ok {
				sizeKB = defaultFallbackSizeKB
			}
		}

		files = append(files, FileUpload{
			FileName:        name,
			Extension:       ext,
			SizeKB:          sizeKB,
			EstimatedTokens: EstimateFileTokens(name, sizeKB),
			Description:     FileDescription(ext),
			AddedAt:         now,
		})
	}

	return files
}

// sizeNear looks for a size annotation in the text shortly after the
// filename. 160 bytes covers a sibling element's markup.
func sizeNear(body string, from int) (float64, bool) {
	end := from + 160
	if end > len(body) {
		end = len(body)
	}
	m := sizePattern.FindStringSubmatch(body[from:end])
	if m == nil {
		return 0, false
	}
	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	return normalizeSizeKB(value, m[2]), true
}
