// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

// Package blobstore is the content-addressed object store used for
// staged training materials, trained model products, logs, BOMs, and
// published attestation links. It is bucket-scoped: every caller names
// an explicit bucket and key, since objects are staged per job under a
// staging-directory prefix.
package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"path/filepath"
	"sort"
	"strings"
	"time"

	gcs "cloud.google.com/go/storage"
	billy "github.com/go-git/go-billy/v5"
	pkgerrors "github.com/pkg/errors"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"

	"github.com/aibomgen/platform/internal/ratex"
)

// StoreUnavailable wraps a retryable store failure: timeouts, 5xx
// responses, connection refused.
var StoreUnavailable = errors.New("blob store unavailable")

// StoreRejected wraps a non-retryable store failure: bad credentials,
// quota exhaustion, or an object genuinely not existing.
var StoreRejected = errors.New("blob store rejected request")

// Store is the content-addressed object store contract every
// submission, worker, and verifier operation goes through.
type Store interface {
	Put(ctx context.Context, bucket, key string, r io.Reader) (url string, err error)
	Get(ctx context.Context, bucket, key string) (io.ReadCloser, error)
	List(ctx context.Context, bucket, prefix string) ([]string, error)
	Presign(ctx context.Context, bucket, key string, ttl time.Duration) (string, error)
	EnsureBucket(ctx context.Context, bucket string) error
}

// GCSStore is a Store backed by Google Cloud Storage.
type GCSStore struct {
	client *gcs.Client
}

// NewGCSStore dials GCS using application-default credentials.
func NewGCSStore(ctx context.Context) (*GCSStore, error) {
	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "creating GCS client")
	}
	return &GCSStore{client: client}, nil
}

func classifyGCSError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gcs.ErrObjectNotExist) || errors.Is(err, gcs.ErrBucketNotExist) {
		return fmt.Errorf("%w: %v", StoreRejected, err)
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusUnauthorized, apiErr.Code == http.StatusForbidden,
			apiErr.Code == http.StatusNotFound, apiErr.Code == http.StatusTooManyRequests:
			return fmt.Errorf("%w: %v", StoreRejected, err)
		case apiErr.Code >= 500:
			return fmt.Errorf("%w: %v", StoreUnavailable, err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", StoreUnavailable, err)
	}
	return err
}

func (s *GCSStore) Put(ctx context.Context, bucket, key string, r io.Reader) (string, error) {
	w := s.client.Bucket(bucket).Object(key).NewWriter(ctx)
	if _, err := io.Copy(w, r); err != nil {
		w.Close()
		return "", classifyGCSError(err)
	}
	if err := w.Close(); err != nil {
		return "", classifyGCSError(err)
	}
	return fmt.Sprintf("gs://%s/%s", bucket, key), nil
}

func (s *GCSStore) Get(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	r, err := s.client.Bucket(bucket).Object(key).NewReader(ctx)
	if err != nil {
		return nil, classifyGCSError(err)
	}
	return r, nil
}

func (s *GCSStore) List(ctx context.Context, bucket, prefix string) ([]string, error) {
	var keys []string
	it := s.client.Bucket(bucket).Objects(ctx, &gcs.Query{Prefix: prefix})
	for {
		obj, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, classifyGCSError(err)
		}
		keys = append(keys, obj.Name)
	}
	// GCS already returns objects in lexicographic key order; sort
	// defensively so callers can depend on this regardless of backend.
	sort.Strings(keys)
	return keys, nil
}

func (s *GCSStore) Presign(ctx context.Context, bucket, key string, ttl time.Duration) (string, error) {
	url, err := s.client.Bucket(bucket).SignedURL(key, &gcs.SignedURLOptions{
		Method:  http.MethodGet,
		Expires: time.Now().Add(ttl),
	})
	if err != nil {
		return "", classifyGCSError(err)
	}
	return url, nil
}

func (s *GCSStore) EnsureBucket(ctx context.Context, bucket string) error {
	_, err := s.client.Bucket(bucket).Attrs(ctx)
	if err == nil {
		return nil
	}
	if !errors.Is(err, gcs.ErrBucketNotExist) {
		return classifyGCSError(err)
	}
	if err := s.client.Bucket(bucket).Create(ctx, "", nil); err != nil {
		// A concurrent creator winning the race is not a failure.
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) && apiErr.Code == http.StatusConflict {
			return nil
		}
		return classifyGCSError(err)
	}
	return nil
}

var _ Store = &GCSStore{}

// FSStore is a Store backed by a billy.Filesystem, used for local
// development and tests. Buckets map to top-level directories.
type FSStore struct {
	fs billy.Filesystem
}

// NewFSStore wraps fs as a Store.
func NewFSStore(fs billy.Filesystem) *FSStore {
	return &FSStore{fs: fs}
}

func (s *FSStore) path(bucket, key string) string {
	return filepath.Join(bucket, key)
}

func (s *FSStore) Put(_ context.Context, bucket, key string, r io.Reader) (string, error) {
	path := s.path(bucket, key)
	if err := s.fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", pkgerrors.Wrap(err, "creating parent directories")
	}
	f, err := s.fs.Create(path)
	if err != nil {
		return "", pkgerrors.Wrap(err, "creating object")
	}
	defer f.Close()
	if _, err := io.Copy(f, r); err != nil {
		return "", pkgerrors.Wrap(err, "writing object")
	}
	return "file://" + path, nil
}

func (s *FSStore) Get(_ context.Context, bucket, key string) (io.ReadCloser, error) {
	f, err := s.fs.Open(s.path(bucket, key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %v", StoreRejected, err)
		}
		return nil, pkgerrors.Wrap(err, "opening object")
	}
	return f, nil
}

func (s *FSStore) List(_ context.Context, bucket, prefix string) ([]string, error) {
	root := s.path(bucket, "")
	var keys []string
	var walk func(dir string) error
	walk = func(dir string) error {
		entries, err := s.fs.ReadDir(dir)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		for _, e := range entries {
			full := filepath.Join(dir, e.Name())
			if e.IsDir() {
				if err := walk(full); err != nil {
					return err
				}
				continue
			}
			key := strings.TrimPrefix(strings.TrimPrefix(full, root), string(filepath.Separator))
			if strings.HasPrefix(key, prefix) {
				keys = append(keys, key)
			}
		}
		return nil
	}
	if err := walk(root); err != nil {
		return nil, pkgerrors.Wrap(err, "listing objects")
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *FSStore) Presign(_ context.Context, bucket, key string, _ time.Duration) (string, error) {
	return "file://" + s.path(bucket, key), nil
}

func (s *FSStore) EnsureBucket(_ context.Context, bucket string) error {
	return pkgerrors.Wrap(s.fs.MkdirAll(bucket, 0o755), "creating bucket directory")
}

var _ Store = &FSStore{}

// RetryingStore wraps a Store and retries Put and Get calls that fail
// with StoreUnavailable, pacing retries with a ratex.BackoffLimiter so a
// transient outage doesn't turn into a request storm against the
// backing store. StoreRejected failures are never retried. List,
// Presign and EnsureBucket go straight to the wrapped Store without
// retrying.
type RetryingStore struct {
	Store
	limiter    *ratex.BackoffLimiter
	maxRetries int
}

// NewRetryingStore wraps store so each Put or Get makes one attempt plus
// up to maxRetries retries (maxRetries+1 attempts in all), backing off
// between attempts starting at minDelay.
func NewRetryingStore(store Store, minDelay time.Duration, maxRetries int) *RetryingStore {
	return &RetryingStore{Store: store, limiter: ratex.NewBackoffLimiter(minDelay), maxRetries: maxRetries}
}

func (s *RetryingStore) retry(ctx context.Context, op func() error) error {
	var err error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if err = op(); err == nil {
			s.limiter.Success()
			return nil
		}
		if !errors.Is(err, StoreUnavailable) {
			return err
		}
		s.limiter.Backoff()
		if attempt == s.maxRetries {
			break
		}
		if waitErr := s.limiter.Wait(ctx); waitErr != nil {
			return waitErr
		}
	}
	return err
}

// Put buffers r fully before retrying, since a retried attempt must
// replay the same bytes and an arbitrary io.Reader cannot be rewound.
func (s *RetryingStore) Put(ctx context.Context, bucket, key string, r io.Reader) (string, error) {
	body, err := io.ReadAll(r)
	if err != nil {
		return "", pkgerrors.Wrap(err, "buffering upload for retry")
	}
	var url string
	err = s.retry(ctx, func() error {
		var putErr error
		url, putErr = s.Store.Put(ctx, bucket, key, bytes.NewReader(body))
		return putErr
	})
	return url, err
}

func (s *RetryingStore) Get(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	var rc io.ReadCloser
	err := s.retry(ctx, func() error {
		var getErr error
		rc, getErr = s.Store.Get(ctx, bucket, key)
		return getErr
	})
	return rc, err
}

var _ Store = &RetryingStore{}
