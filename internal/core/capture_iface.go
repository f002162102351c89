//go:generate go run go.uber.org/mock/mockgen -source=capture_iface.go -destination=mocks/mock_capture_iface.go -package=mocks
package core

import (
	"context"

	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/dkeye/voicemesh/internal/stream"
)

// Capturer acquires local media sources.
type Capturer interface {
	Capture(ctx context.Context, cfg domain.CaptureConfig) ([]stream.Source, error)
}
