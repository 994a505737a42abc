// Package enginekit implements the engine side of the forseti protocol so an
// engine binary only has to provide its identity and a lint function.
package enginekit

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/ipsix/forseti/internal/lint"
	"github.com/ipsix/forseti/internal/protocol"
)

type Info struct {
	EngineID     string
	Version      string
	Capabilities []protocol.Capability
}

// EmitFunc reports the complete diagnostics of one file. Calling it marks
// the file as checked on the orchestrator side.
type EmitFunc func(path string, diags []lint.Diagnostic) error

type Engine interface {
	Info() Info
	Lint(ctx context.Context, files []protocol.File, rules lint.Ruleset, emit EmitFunc) error
}

// Serve answers requests from r on w until a shutdown request, EOF or ctx
// cancellation.
func Serve(ctx context.Context, r io.Reader, w io.Writer, eng Engine) error {
	dec := protocol.NewDecoder(r)
	enc := protocol.NewEncoder(w)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		req, err := dec.Decode()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			var decodeErr *protocol.DecodeError
			if errors.As(err, &decodeErr) {
				if werr := enc.Encode(protocol.Message{Type: protocol.TypeError, Message: err.Error()}); werr != nil {
					return werr
				}
				continue
			}
			return err
		}

		switch req.Type {
		case protocol.TypeHandshake:
			info := eng.Info()
			if err := enc.Encode(protocol.Message{
				Type:         protocol.TypeHandshake,
				ID:           req.ID,
				EngineID:     info.EngineID,
				Version:      info.Version,
				Capabilities: info.Capabilities,
			}); err != nil {
				return err
			}
		case protocol.TypeLint:
			emit := func(path string, diags []lint.Diagnostic) error {
				return enc.Encode(protocol.Message{
					Type:        protocol.TypeFile,
					ID:          req.ID,
					Path:        path,
					Diagnostics: diags,
				})
			}
			if err := eng.Lint(ctx, req.Files, req.RulesetConfig, emit); err != nil {
				if werr := enc.Encode(protocol.Message{Type: protocol.TypeError, ID: req.ID, Message: err.Error()}); werr != nil {
					return werr
				}
				continue
			}
			if err := enc.Encode(protocol.Message{Type: protocol.TypeLint, ID: req.ID}); err != nil {
				return err
			}
		case protocol.TypeShutdown:
			return nil
		default:
			if err := enc.Encode(protocol.Message{
				Type:    protocol.TypeError,
				ID:      req.ID,
				Message: fmt.Sprintf("unsupported request type %q", req.Type),
			}); err != nil {
				return err
			}
		}
	}
}
