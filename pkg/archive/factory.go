package archive

import (
	"context"
	"fmt"
	"strings"
)

// Open picks a backend from location:
//
//	gs://bucket/prefix  Google Cloud Storage (needs -tags gcp)
//	s3://bucket/prefix  Amazon S3 in region
//	anything else       a local directory
func Open(ctx context.Context, location, region string) (Archive, error) {
	switch {
	case location == "":
		return nil, fmt.Errorf("archive: location is required")
	case strings.HasPrefix(location, "gs://"):
		bucket, prefix := splitBucket(strings.TrimPrefix(location, "gs://"))
		return openGCS(ctx, bucket, prefix)
	case strings.HasPrefix(location, "s3://"):
		bucket, prefix := splitBucket(strings.TrimPrefix(location, "s3://"))
		return NewS3Archive(ctx, S3Config{Bucket: bucket, Region: region, Prefix: prefix})
	default:
		return NewFileArchive(location)
	}
}

func splitBucket(s string) (bucket, prefix string) {
	bucket, prefix, _ = strings.Cut(s, "/")
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return bucket, prefix
}
