// Package s3 is the blob store for matched originals.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"path"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/cenkalti/backoff"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"facefinder/internal/domain"
	"facefinder/internal/ports"
)

var _ ports.BlobStore = (*Store)(nil)

type objectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type presignAPI interface {
	PresignGetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

type Options struct {
	Bucket     string
	Attempts   int
	RetryBase  time.Duration
	PresignTTL time.Duration
	Logger     logrus.FieldLogger
	// Retries, when set, is incremented once per retried PutObject.
	Retries prometheus.Counter
}

type Store struct {
	objects objectAPI
	presign presignAPI
	opts    Options
	log     logrus.FieldLogger
}

// Config holds what is needed to reach AWS S3 or an S3-compatible service.
type Config struct {
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

// NewClient builds an S3 client. A custom endpoint switches to path-style
// addressing for S3-compatible services.
func NewClient(ctx context.Context, c Config) (*s3.Client, error) {
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(c.Region)}
	if c.AccessKeyID != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(c.AccessKeyID, c.SecretAccessKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if c.Endpoint != "" {
			o.BaseEndpoint = aws.String(c.Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

func New(client *s3.Client, opts Options) *Store {
	return newStore(client, s3.NewPresignClient(client), opts)
}

func newStore(objects objectAPI, presign presignAPI, opts Options) *Store {
	if opts.Attempts < 1 {
		opts.Attempts = 3
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = time.Second
	}
	if opts.PresignTTL <= 0 {
		opts.PresignTTL = 24 * time.Hour
	}
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Store{objects: objects, presign: presign, opts: opts, log: log.WithField("component", "blobstore")}
}

// retryPolicy waits base, 2*base, 4*base... between attempts, without jitter.
func retryPolicy(base time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = time.Minute
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (s *Store) Upload(ctx context.Context, data []byte, name string, metadata map[string]string) (domain.BlobRef, error) {
	return s.upload(ctx, data, name, "", metadata)
}

func (s *Store) upload(ctx context.Context, data []byte, key, contentType string, metadata map[string]string) (domain.BlobRef, error) {
	if key == "" {
		return domain.BlobRef{}, errors.New("blob key cannot be empty")
	}
	if contentType == "" {
		contentType = detectContentType(key, data)
	}

	put := func() error {
		_, err := s.objects.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(s.opts.Bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(data),
			ContentType: aws.String(contentType),
			Metadata:    metadata,
		})
		return err
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(retryPolicy(s.opts.RetryBase), uint64(s.opts.Attempts-1)), ctx)
	notify := func(err error, wait time.Duration) {
		if s.opts.Retries != nil {
			s.opts.Retries.Inc()
		}
		s.log.WithError(err).WithFields(logrus.Fields{"key": key, "wait": wait}).Warn("upload failed, retrying")
	}
	if err := backoff.RetryNotify(put, policy, notify); err != nil {
		return domain.BlobRef{}, fmt.Errorf("put object %s: %w", key, err)
	}

	url, err := s.PresignURL(ctx, key, s.opts.PresignTTL)
	if err != nil {
		return domain.BlobRef{}, err
	}
	return domain.BlobRef{URL: url, Key: key}, nil
}

// UploadMany uploads every request with at most concurrency in flight. One
// failure never aborts the others. Results are in completion order; onDone,
// when set, is called once per result and never concurrently.
func (s *Store) UploadMany(ctx context.Context, reqs []ports.UploadRequest, concurrency int, onDone func(ports.UploadResult)) []ports.UploadResult {
	if concurrency < 1 {
		concurrency = 1
	}
	var (
		mu      sync.Mutex
		results = make([]ports.UploadResult, 0, len(reqs))
		g       errgroup.Group
	)
	g.SetLimit(concurrency)
	for _, req := range reqs {
		req := req
		g.Go(func() error {
			ref, err := s.upload(ctx, req.Data, req.Name, req.ContentType, req.Metadata)
			res := ports.UploadResult{ID: req.ID, Ref: ref, Err: err}
			mu.Lock()
			defer mu.Unlock()
			results = append(results, res)
			if onDone != nil {
				onDone(res)
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (s *Store) PresignURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.opts.Bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", key, err)
	}
	return req.URL, nil
}

func detectContentType(key string, data []byte) string {
	if ct := mime.TypeByExtension(path.Ext(key)); ct != "" {
		return ct
	}
	return http.DetectContentType(data)
}
