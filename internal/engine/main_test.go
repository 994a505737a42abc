package engine

import (
	"errors"
	"fmt"
	"io"
	"os"
	"testing"
	"time"

	"github.com/ipsix/forseti/internal/lint"
	"github.com/ipsix/forseti/internal/protocol"
)

const fakeEngineEnv = "FORSETI_TEST_ENGINE"

// TestMain lets the test binary double as an engine executable: when
// FORSETI_TEST_ENGINE is set it speaks the engine protocol in the given mode.
func TestMain(m *testing.M) {
	if mode := os.Getenv(fakeEngineEnv); mode != "" {
		os.Exit(runFakeEngine(mode, os.Stdin, os.Stdout))
	}
	os.Exit(m.Run())
}

func fakeCommand(mode string) Command {
	return Command{
		Path: os.Args[0],
		Args: []string{"-test.run=^$"},
		Env:  []string{fakeEngineEnv + "=" + mode},
	}
}

func runFakeEngine(mode string, in io.Reader, out io.Writer) int {
	dec := protocol.NewDecoder(in)
	enc := protocol.NewEncoder(out)
	for {
		req, err := dec.Decode()
		if err != nil {
			if errors.Is(err, io.EOF) && mode == "stubborn" {
				time.Sleep(time.Hour)
			}
			return 0
		}
		switch req.Type {
		case protocol.TypeHandshake:
			if mode == "silent" {
				time.Sleep(time.Hour)
			}
			id := "fake"
			if mode == "wrongid" {
				id = "impostor"
			}
			_ = enc.Encode(protocol.Message{
				Type:     protocol.TypeHandshake,
				ID:       req.ID,
				EngineID: id,
				Version:  "1.0.0",
				Capabilities: []protocol.Capability{
					{Patterns: []string{"*.txt", "*.txt"}, RuleIDs: []string{"fake-rule"}},
				},
			})
			if mode == "deaf" {
				time.Sleep(time.Hour)
			}
		case protocol.TypeLint:
			switch mode {
			case "hang":
				time.Sleep(time.Hour)
			case "garbage":
				fmt.Fprintln(out, "this is not json")
				continue
			case "fail":
				_ = enc.Encode(protocol.Message{Type: protocol.TypeError, ID: req.ID, Message: "rule blew up"})
				continue
			}
			for i, f := range req.Files {
				_ = enc.Encode(protocol.Message{
					Type: protocol.TypeFile,
					ID:   req.ID,
					Path: f.Path,
					Diagnostics: []lint.Diagnostic{{
						File:     f.Path,
						Line:     1,
						Column:   1,
						RuleID:   "fake-rule",
						Severity: lint.SeverityWarn,
						Message:  "fake finding",
					}},
				})
				if mode == "crash" && i == 0 {
					fmt.Fprintln(os.Stderr, "fatal: fake engine crashed")
					return 3
				}
			}
			_ = enc.Encode(protocol.Message{Type: protocol.TypeLint, ID: req.ID})
		case protocol.TypeShutdown:
			if mode == "stubborn" {
				time.Sleep(time.Hour)
			}
			return 0
		}
	}
}
