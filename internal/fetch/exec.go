package fetch

import (
	"bytes"
	"context"
	"os/exec"
	"strings"

	"github.com/loqalabs/loqa-voices/internal/config"
	"github.com/mattn/go-shellwords"
)

type execFetcher struct{}

// NewExecFetcher runs src.Command and treats its stdout as the catalog.
func NewExecFetcher() Fetcher {
	return &execFetcher{}
}

func (f *execFetcher) RequestVoices(ctx context.Context, src config.SourceConfig) (string, error) {
	parser := shellwords.NewParser()
	parser.ParseEnv = true
	args, err := parser.Parse(src.Command)
	if err != nil {
		return "", transportError("parse voices command: %v", err)
	}
	if len(args) == 0 {
		return "", transportError("voices command empty")
	}

	cmdCtx, cancel := withTimeout(ctx, src)
	defer cancel()

	var stderr bytes.Buffer
	cmd := exec.CommandContext(cmdCtx, args[0], args[1:]...)
	cmd.Stderr = &stderr
	output, err := cmd.Output()
	if err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = err.Error()
		}
		return "", transportError("voices command failed: %s", detail)
	}
	return requireBody(bytes.TrimSpace(output))
}
