// Package imagehost stores QR codes and parked-car photos and returns
// publicly reachable URLs for them.
package imagehost

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
)

var folderRe = regexp.MustCompile(`^[a-z0-9_-]{1,32}$`)

// ErrInvalidFolder is returned for folder names outside [a-z0-9_-].
var ErrInvalidFolder = errors.New("invalid image folder")

// Host uploads an image and returns its public URL.
type Host interface {
	Upload(ctx context.Context, data []byte, folder string) (string, error)
}

func objectName(data []byte) string {
	ext := ".jpg"
	if http.DetectContentType(data) == "image/png" {
		ext = ".png"
	}
	return uuid.NewString() + ext
}

// Local writes images below dir and serves them under baseURL/media/.
type Local struct {
	dir     string
	baseURL string
}

func NewLocal(dir, publicBaseURL string) (*Local, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Local{dir: dir, baseURL: strings.TrimRight(publicBaseURL, "/")}, nil
}

// Dir is the root served by the media handler.
func (l *Local) Dir() string {
	return l.dir
}

func (l *Local) Upload(_ context.Context, data []byte, folder string) (string, error) {
	if !folderRe.MatchString(folder) {
		return "", ErrInvalidFolder
	}
	if len(data) == 0 {
		return "", fmt.Errorf("empty image")
	}
	if err := os.MkdirAll(filepath.Join(l.dir, folder), 0o755); err != nil {
		return "", err
	}
	name := objectName(data)
	if err := os.WriteFile(filepath.Join(l.dir, folder, name), data, 0o644); err != nil {
		return "", fmt.Errorf("write image: %w", err)
	}
	return l.baseURL + "/media/" + folder + "/" + name, nil
}

type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3 stores images in a bucket. Objects are addressed through publicBaseURL,
// typically a CDN or the bucket website endpoint.
type S3 struct {
	client  objectPutter
	bucket  string
	prefix  string
	baseURL string
}

func NewS3(cfg aws.Config, bucket, prefix, publicBaseURL string) *S3 {
	return newS3(s3.NewFromConfig(cfg), bucket, prefix, publicBaseURL)
}

func newS3(client objectPutter, bucket, prefix, publicBaseURL string) *S3 {
	if publicBaseURL == "" {
		publicBaseURL = fmt.Sprintf("https://%s.s3.amazonaws.com", bucket)
	}
	return &S3{
		client:  client,
		bucket:  bucket,
		prefix:  strings.Trim(prefix, "/"),
		baseURL: strings.TrimRight(publicBaseURL, "/"),
	}
}

func (s *S3) Upload(ctx context.Context, data []byte, folder string) (string, error) {
	if !folderRe.MatchString(folder) {
		return "", ErrInvalidFolder
	}
	if len(data) == 0 {
		return "", fmt.Errorf("empty image")
	}
	key := path.Join(s.prefix, folder, objectName(data))
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(http.DetectContentType(data)),
	})
	if err != nil {
		return "", fmt.Errorf("put %s: %w", key, err)
	}
	return s.baseURL + "/" + key, nil
}
