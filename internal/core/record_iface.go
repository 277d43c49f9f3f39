package core

import (
	"context"

	"github.com/carelink/carecall/internal/domain"
)

// RecordSink persists call outcomes. Write-only collaborator: failures are
// logged by callers and never block call teardown.
type RecordSink interface {
	Write(ctx context.Context, rec domain.CallRecord) error
}
