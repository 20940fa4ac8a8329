package media

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// Validation error codes surfaced to the ingress layer
const (
	CodeTooMany          = "TOO_MANY_ATTACHMENTS"
	CodeTooLarge         = "ATTACHMENTS_TOO_LARGE"
	CodeUnsupportedMIME  = "UNSUPPORTED_MEDIA_TYPE"
	CodeInvalidEncoding  = "INVALID_MEDIA_ENCODING"
	CodeMissingFilename  = "MISSING_FILENAME"
)

// Size ceilings for a single message
const (
	MaxAttachments    = 10
	MaxAggregateBytes = 5 * 1024 * 1024
	WarnBytes         = 600 * 1024
)

// Item is one inbound attachment payload, base64-encoded
type Item struct {
	Filename string `json:"filename"`
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

// ValidationError carries a machine-readable rejection code
type ValidationError struct {
	Code    string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

var supportedMIME = map[string]string{
	"image/jpeg":      ".jpg",
	"image/png":       ".png",
	"image/gif":       ".gif",
	"image/webp":      ".webp",
	"video/mp4":       ".mp4",
	"video/3gpp":      ".3gp",
	"audio/ogg":       ".ogg",
	"audio/mpeg":      ".mp3",
	"application/pdf": ".pdf",
}

// ValidationResult reports non-fatal findings from Validate
type ValidationResult struct {
	AggregateBytes int64
	Warnings       []string
}

// Validate checks attachment count, MIME types, base64 well-formedness and
// the aggregate decoded size ceiling. It returns a *ValidationError on the
// first violation; payloads above the advisory threshold only add a warning.
func Validate(items []Item) (*ValidationResult, error) {
	res := &ValidationResult{}

	if len(items) > MaxAttachments {
		return nil, &ValidationError{
			Code:    CodeTooMany,
			Message: fmt.Sprintf("%d attachments exceeds the limit of %d", len(items), MaxAttachments),
		}
	}

	for i, item := range items {
		if item.Filename == "" {
			return nil, &ValidationError{
				Code:    CodeMissingFilename,
				Message: fmt.Sprintf("attachment %d has no filename", i),
			}
		}
		if _, ok := supportedMIME[item.MimeType]; !ok {
			return nil, &ValidationError{
				Code:    CodeUnsupportedMIME,
				Message: fmt.Sprintf("attachment %d has unsupported MIME type %q", i, item.MimeType),
			}
		}
		decoded, err := base64.StdEncoding.DecodeString(item.Data)
		if err != nil {
			return nil, &ValidationError{
				Code:    CodeInvalidEncoding,
				Message: fmt.Sprintf("attachment %d is not valid base64: %v", i, err),
			}
		}
		n := int64(len(decoded))
		res.AggregateBytes += n
		if n > WarnBytes {
			res.Warnings = append(res.Warnings,
				fmt.Sprintf("attachment %d (%s) is %d bytes; large payloads slow down the console", i, item.Filename, n))
		}
	}

	if res.AggregateBytes > MaxAggregateBytes {
		return nil, &ValidationError{
			Code:    CodeTooLarge,
			Message: fmt.Sprintf("aggregate decoded size %d exceeds %d bytes", res.AggregateBytes, MaxAggregateBytes),
		}
	}

	return res, nil
}

// StagedFile is a staged attachment on the local filesystem
type StagedFile struct {
	Path     string
	Filename string
	MimeType string
}

// Stager materializes attachment payloads into a staging directory and
// removes them after the attempt loop finishes.
type Stager struct {
	dir    string
	logger *slog.Logger
}

// NewStager creates a stager rooted at dir, creating it if needed
func NewStager(dir string, logger *slog.Logger) (*Stager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating staging directory: %w", err)
	}
	return &Stager{dir: dir, logger: logger.With("component", "media-stager")}, nil
}

// Dir returns the staging directory root
func (s *Stager) Dir() string { return s.dir }

// Stage decodes each item to a uniquely named file keyed by submission ID and
// attachment index. On any failure the files staged so far are removed.
func (s *Stager) Stage(submissionID string, items []Item) ([]StagedFile, error) {
	staged := make([]StagedFile, 0, len(items))
	for i, item := range items {
		decoded, err := base64.StdEncoding.DecodeString(item.Data)
		if err != nil {
			s.Cleanup(staged)
			return nil, fmt.Errorf("decoding attachment %d: %w", i, err)
		}
		name := fmt.Sprintf("%s-%d%s", submissionID, i, supportedMIME[item.MimeType])
		path := filepath.Join(s.dir, name)
		if err := os.WriteFile(path, decoded, 0o600); err != nil {
			s.Cleanup(staged)
			return nil, fmt.Errorf("writing attachment %d: %w", i, err)
		}
		staged = append(staged, StagedFile{Path: path, Filename: item.Filename, MimeType: item.MimeType})
	}
	return staged, nil
}

// Cleanup removes staged files. Removal failures are logged and swallowed;
// they must never influence the delivery outcome.
func (s *Stager) Cleanup(files []StagedFile) {
	for _, f := range files {
		if err := os.Remove(f.Path); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("failed to remove staged file", "path", f.Path, "error", err)
		}
	}
}
