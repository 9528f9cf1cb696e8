//go:build !gcp

package ledger

import (
	"context"
	"fmt"
)

func newGCSSinkFromEnv(context.Context) (Sink, error) {
	return nil, fmt.Errorf("ledger: gcs sink is not enabled in this build (use -tags gcp)")
}
