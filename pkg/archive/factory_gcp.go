//go:build gcp

package archive

import "context"

func openGCS(ctx context.Context, bucket, prefix string) (Archive, error) {
	return NewGCSArchive(ctx, bucket, prefix)
}
