// Package intake turns user uploads into image assets ready for classification.
package intake

import (
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
)

var (
	// ErrInvalidFileType is returned for uploads that are not images.
	ErrInvalidFileType = errors.New("file is not an image")
	// ErrEmptyFile is returned for zero-length uploads.
	ErrEmptyFile = errors.New("file is empty")
)

const imagePrefix = "image/"

// ImageAsset is an uploaded image held in memory. It is never mutated after
// creation.
type ImageAsset struct {
	ID          string
	Filename    string
	ContentType string
	Size        int64
	Raw         []byte
	// Preview is a self-contained data URL of Raw.
	Preview   string
	SHA1      string
	CreatedAt time.Time
}

// FromFileHeader reads a multipart upload and builds an asset from it.
func FromFileHeader(fh *multipart.FileHeader) (*ImageAsset, error) {
	if !IsImageType(fh.Header.Get("Content-Type")) {
		return nil, ErrInvalidFileType
	}

	src, err := fh.Open()
	if err != nil {
		return nil, fmt.Errorf("open upload: %w", err)
	}
	defer src.Close()

	data, err := io.ReadAll(src)
	if err != nil {
		return nil, fmt.Errorf("read upload: %w", err)
	}
	return New(fh.Filename, fh.Header.Get("Content-Type"), data)
}

// New validates data against the declared content type and builds the asset
// with its preview encoding.
func New(filename, contentType string, data []byte) (*ImageAsset, error) {
	mediaType, ok := imageMediaType(contentType)
	if !ok {
		return nil, ErrInvalidFileType
	}
	if len(data) == 0 {
		return nil, ErrEmptyFile
	}

	// Undetectable content is given the benefit of the doubt; content that is
	// positively something else is not.
	detected := mimetype.Detect(data)
	if !detected.Is("application/octet-stream") && !strings.HasPrefix(detected.String(), imagePrefix) {
		return nil, ErrInvalidFileType
	}

	sum := sha1.Sum(data)
	return &ImageAsset{
		ID:          uuid.NewString(),
		Filename:    filename,
		ContentType: mediaType,
		Size:        int64(len(data)),
		Raw:         data,
		Preview:     EncodePreview(mediaType, data),
		SHA1:        hex.EncodeToString(sum[:]),
		CreatedAt:   time.Now().UTC(),
	}, nil
}

// EncodePreview renders data as a base64 data URL.
func EncodePreview(mediaType string, data []byte) string {
	var b strings.Builder
	b.Grow(len("data:;base64,") + len(mediaType) + base64.StdEncoding.EncodedLen(len(data)))
	b.WriteString("data:")
	b.WriteString(mediaType)
	b.WriteString(";base64,")
	b.WriteString(base64.StdEncoding.EncodeToString(data))
	return b.String()
}

// IsImageType reports whether a declared content type is in image/*.
func IsImageType(contentType string) bool {
	_, ok := imageMediaType(contentType)
	return ok
}

func imageMediaType(contentType string) (string, bool) {
	if contentType == "" {
		return "", false
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "", false
	}
	if !strings.HasPrefix(mediaType, imagePrefix) || len(mediaType) == len(imagePrefix) {
		return "", false
	}
	return mediaType, true
}
