// Package sandbox runs untrusted snippets of code in isolated containers.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/antimomentum/antimomentum/config"
)

// Language selects the interpreter a Program runs under.
type Language string

const (
	LanguageJavaScript Language = "node"
	LanguagePython     Language = "python"
)

func (l Language) base() Language {
	switch strings.ToLower(strings.TrimSpace(string(l))) {
	case "python", "py", "python3":
		return LanguagePython
	default:
		return LanguageJavaScript
	}
}

// command returns the interpreter invocation that evaluates code inline.
func (l Language) command(code string) []string {
	if l.base() == LanguagePython {
		return []string{"python", "-c", code}
	}
	return []string{"node", "-e", code}
}

// Program is a snippet of source code to execute.
type Program struct {
	Language Language
	Code     string
}

// Sandbox executes programs and returns their combined stdout and stderr.
type Sandbox interface {
	Run(ctx context.Context, prog Program) (string, error)
}

var (
	// ErrTimeout is returned when a program exceeds the policy wall-clock limit.
	ErrTimeout = errors.New("sandbox: execution timed out")
	// ErrDisabled is returned by the disabled provider.
	ErrDisabled = errors.New("sandbox: code execution is disabled")
)

// ExitError reports a program that terminated with a non-zero exit code.
type ExitError struct {
	Code   int64
	Output string
}

func (e *ExitError) Error() string {
	out := strings.TrimSpace(e.Output)
	if out == "" {
		return fmt.Sprintf("process exited with code %d", e.Code)
	}
	return fmt.Sprintf("process exited with code %d: %s", e.Code, out)
}

// Disabled rejects every program.
type Disabled struct{}

func (Disabled) Run(context.Context, Program) (string, error) { return "", ErrDisabled }

// New builds the sandbox selected by cfg.SandboxProvider.
func New(cfg config.SecurityConfig, logger *log.Logger) (Sandbox, error) {
	policy, err := LoadPolicy(cfg)
	if err != nil {
		return nil, err
	}
	switch policy.Provider {
	case config.SandboxProviderDisabled:
		return Disabled{}, nil
	case config.SandboxProviderDocker:
		return NewDocker(policy, logger)
	default:
		return nil, fmt.Errorf("sandbox provider %q not supported", policy.Provider)
	}
}
