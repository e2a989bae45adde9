// Package log holds the shared leveled logger used across the cache core,
// following the go-kit/log + level.* call shape used throughout the tempo
// corpus (e.g. cmd/tempo/app: level.Info(log.Logger).Log("msg", ...)).
package log

import (
	"os"

	kitlog "github.com/go-kit/log"
)

// Logger is the package-wide logger. Embedding applications may replace it
// before calling node.Start.
var Logger = kitlog.NewLogfmtLogger(kitlog.NewSyncWriter(os.Stderr))
