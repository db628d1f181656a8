package filesvc

import (
	"context"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/trezcool/masomo-messaging/core"
)

const keyPrefix = "attachments"

// NewKey returns a unique storage key keeping the (sanitized) file name readable.
func NewKey(filename string) string {
	name := path.Base(strings.ReplaceAll(filename, "\\", "/"))
	name = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			return r
		}
		return '_'
	}, name)
	if name == "" || name == "." || name == "/" {
		name = "file"
	}
	return path.Join(keyPrefix, uuid.NewString(), name)
}

type s3Store struct {
	presigner *s3.PresignClient
	bucket    string
	ttl       time.Duration
	nowFunc   func() time.Time
}

var _ core.FileStore = (*s3Store)(nil)

// NewS3Store presigns uploads to an S3 compatible bucket (R2, MinIO...).
func NewS3Store(ctx context.Context, conf *core.Config) (core.FileStore, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(conf.S3.Region)}
	if conf.S3.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(conf.S3.AccessKey, conf.S3.SecretKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "loading aws config")
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if conf.S3.Endpoint != "" {
			o.BaseEndpoint = aws.String(conf.S3.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &s3Store{
		presigner: s3.NewPresignClient(client),
		bucket:    conf.S3.Bucket,
		ttl:       conf.S3.PresignTTL,
		nowFunc:   time.Now,
	}, nil
}

func (st *s3Store) PresignUpload(ctx context.Context, key, contentType string) (core.PresignedUpload, error) {
	input := &s3.PutObjectInput{
		Bucket: aws.String(st.bucket),
		Key:    aws.String(key),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	req, err := st.presigner.PresignPutObject(ctx, input, s3.WithPresignExpires(st.ttl))
	if err != nil {
		return core.PresignedUpload{}, errors.Wrap(err, "presigning upload")
	}
	return core.PresignedUpload{
		Key:       key,
		URL:       req.URL,
		Method:    req.Method,
		ExpiresAt: st.nowFunc().Add(st.ttl).UTC(),
	}, nil
}

type localStore struct {
	baseURL string
	ttl     time.Duration
}

var _ core.FileStore = (*localStore)(nil)

// NewLocalStore is used in DEV & tests: it hands out URLs nothing serves.
func NewLocalStore(conf *core.Config) core.FileStore {
	return &localStore{
		baseURL: strings.TrimRight(conf.FrontendBaseURL, "/") + "/uploads",
		ttl:     conf.S3.PresignTTL,
	}
}

func (st *localStore) PresignUpload(_ context.Context, key, _ string) (core.PresignedUpload, error) {
	u, err := url.JoinPath(st.baseURL, key)
	if err != nil {
		return core.PresignedUpload{}, errors.Wrap(err, "building upload url")
	}
	return core.PresignedUpload{
		Key:       key,
		URL:       u,
		Method:    http.MethodPut,
		ExpiresAt: time.Now().Add(st.ttl).UTC(),
	}, nil
}
