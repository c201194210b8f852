// Package platform selects the upstream adapter that connects bot identities
// to the messaging platform. The streaming core only sees the interfaces in
// internal/upstream; adapters register here.
package platform

import (
	"context"
	"fmt"

	"github.com/filebeam/filebeam/internal/config"
	"github.com/filebeam/filebeam/internal/logger"
	"github.com/filebeam/filebeam/internal/platform/local"
	"github.com/filebeam/filebeam/internal/upstream"
)

// Dialer connects one bot identity, identified by its token, to the platform.
type Dialer interface {
	Connect(ctx context.Context, identityID, token string) (upstream.Client, error)
}

// NewDialer returns the adapter named by cfg.Platform.
func NewDialer(cfg *config.Config, log *logger.Logger) (Dialer, error) {
	switch cfg.Platform {
	case "local":
		return local.NewDialer(cfg.LocalFilesDir, log), nil
	default:
		return nil, fmt.Errorf("unknown platform %q (supported: local)", cfg.Platform)
	}
}
