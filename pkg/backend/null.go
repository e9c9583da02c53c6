package backend

import (
	"context"

	"go.uber.org/zap"
)

// Null is the no-op backend: it always succeeds and writes nothing into
// the build directory. It exercises the resolver, fingerprinter, stager
// and scheduler without any RPM tooling.
type Null struct {
	logger *zap.Logger
}

// NewNull returns the null backend.
func NewNull(logger *zap.Logger) *Null {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Null{logger: logger}
}

func (n *Null) Name() string         { return "null" }
func (n *Null) WantsDepsRepo() bool  { return true }
func (n *Null) LocalArtifacts() bool { return true }

func (n *Null) Build(ctx context.Context, req *Request) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n.logger.Info("null backend", zap.String("build_key", req.Key.String()))
	return nil
}
