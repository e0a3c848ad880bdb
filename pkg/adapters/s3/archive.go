// Package s3 exports closed session records to an S3-compatible bucket.
package s3

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aretw0/binlens/pkg/domain"
	"github.com/aretw0/binlens/pkg/ports"
	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// DefaultPrefix is the key prefix of archived records.
const DefaultPrefix = "binlens/sessions/"

// metaArchivedAt carries ArchivedAt in Unix milliseconds so List can order
// without downloading every record.
const metaArchivedAt = "Archived-At"

// Options selects the endpoint and bucket.
type Options struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
	Bucket    string
	Prefix    string
}

// Archive implements ports.Archive with one JSON object per session.
type Archive struct {
	mc     *minio.Client
	bucket string
	prefix string
}

var _ ports.Archive = (*Archive)(nil)

// New creates the client. It does not contact the endpoint.
func New(opts Options) (*Archive, error) {
	mc, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
		Region: opts.Region,
	})
	if err != nil {
		return nil, err
	}
	return NewFromClient(mc, opts.Bucket, opts.Prefix), nil
}

// NewFromClient wraps an existing client.
func NewFromClient(mc *minio.Client, bucket, prefix string) *Archive {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Archive{mc: mc, bucket: bucket, prefix: prefix}
}

// EnsureBucket creates the bucket if it does not exist.
func (a *Archive) EnsureBucket(ctx context.Context, region string) error {
	ok, err := a.mc.BucketExists(ctx, a.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", a.bucket, err)
	}
	if ok {
		return nil
	}
	return a.mc.MakeBucket(ctx, a.bucket, minio.MakeBucketOptions{Region: region})
}

func (a *Archive) key(id string) string {
	return a.prefix + id + ".json"
}

// Put uploads the record.
func (a *Archive) Put(ctx context.Context, rec domain.SessionRecord) error {
	body, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session record: %w", err)
	}
	_, err = a.mc.PutObject(ctx, a.bucket, a.key(rec.Session.ID), bytes.NewReader(body), int64(len(body)),
		minio.PutObjectOptions{
			ContentType: "application/json",
			UserMetadata: map[string]string{
				metaArchivedAt: strconv.FormatInt(rec.ArchivedAt.UnixMilli(), 10),
			},
		})
	if err != nil {
		return fmt.Errorf("upload session %s: %w", rec.Session.ID, err)
	}
	return nil
}

// Get downloads the record of a session.
func (a *Archive) Get(ctx context.Context, sessionID string) (domain.SessionRecord, error) {
	obj, err := a.mc.GetObject(ctx, a.bucket, a.key(sessionID), minio.GetObjectOptions{})
	if err != nil {
		return domain.SessionRecord{}, a.notFound(sessionID, err)
	}
	defer obj.Close()

	var rec domain.SessionRecord
	if err := json.NewDecoder(obj).Decode(&rec); err != nil {
		return domain.SessionRecord{}, a.notFound(sessionID, err)
	}
	return rec, nil
}

// List returns archived session IDs, oldest first.
func (a *Archive) List(ctx context.Context) ([]string, error) {
	type entry struct {
		id string
		at time.Time
	}
	var entries []entry
	for obj := range a.mc.ListObjects(ctx, a.bucket, minio.ListObjectsOptions{Prefix: a.prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("list sessions: %w", obj.Err)
		}
		id, ok := strings.CutSuffix(strings.TrimPrefix(obj.Key, a.prefix), ".json")
		if !ok || id == "" {
			continue
		}
		info, err := a.mc.StatObject(ctx, a.bucket, obj.Key, minio.StatObjectOptions{})
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", obj.Key, err)
		}
		at := info.LastModified
		if ms, err := strconv.ParseInt(info.UserMetadata[metaArchivedAt], 10, 64); err == nil {
			at = time.UnixMilli(ms)
		}
		entries = append(entries, entry{id: id, at: at})
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].at.Equal(entries[j].at) {
			return entries[i].id < entries[j].id
		}
		return entries[i].at.Before(entries[j].at)
	})
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.id
	}
	return ids, nil
}

func (a *Archive) notFound(id string, err error) error {
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return domain.ErrSessionNotFound
	}
	return fmt.Errorf("get session %s: %w", id, err)
}
