//go:build !gcp

package archive

import (
	"context"
	"fmt"
)

func openGCS(_ context.Context, _, _ string) (Archive, error) {
	return nil, fmt.Errorf("GCS archive is not enabled in this build (use -tags gcp)")
}
