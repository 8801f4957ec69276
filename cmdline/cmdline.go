// Package cmdline tokenizes an inittab <process> field (or a safe-mode
// placeholder command) into an environment-binding list and an argv,
// ready for execve.
package cmdline

import (
	"fmt"
	"strings"

	"github.com/sandstone-labs/unit-init/lexer"
)

const (
	// MaxEnv is the maximum number of KEY=VALUE bindings a command line
	// may carry.
	MaxEnv = 128
	// MaxArgs is the maximum number of argv entries a command line may
	// carry.
	MaxArgs = 128
)

// Result is a tokenized command line, ready for execve: Env holds
// "KEY=VALUE" strings, Args holds argv with Args[0] the program path.
type Result struct {
	Env  []string
	Args []string
}

// Parse tokenizes line on whitespace, honoring quotes, and splits
// leading KEY=VALUE tokens (those containing '=' before the first
// unquoted whitespace) into Env, with the remainder as Args.
func Parse(line string) (Result, error) {
	tokens, err := lexer.Split(line, ' ', true, true)
	if err != nil {
		return Result{}, fmt.Errorf("cmdline: %w", err)
	}

	var r Result
	i := 0
	for ; i < len(tokens); i++ {
		tok := tokens[i]
		if tok == "" {
			continue
		}
		eq := strings.IndexByte(tok, '=')
		if eq <= 0 {
			break
		}
		if len(r.Env) >= MaxEnv {
			return Result{}, fmt.Errorf("cmdline: more than %d environment bindings", MaxEnv)
		}
		r.Env = append(r.Env, tok)
	}
	for ; i < len(tokens); i++ {
		tok := tokens[i]
		if tok == "" {
			continue
		}
		if len(r.Args) >= MaxArgs {
			return Result{}, fmt.Errorf("cmdline: more than %d arguments", MaxArgs)
		}
		r.Args = append(r.Args, tok)
	}
	if len(r.Args) == 0 {
		return Result{}, fmt.Errorf("cmdline: no program given in %q", line)
	}
	return r, nil
}

// Substitute replaces the <proc> and <exitcode> placeholders in args
// (typically a safe-mode recovery command's argv) with processName and
// the decimal rendering of signal, respectively. It mutates a copy and
// leaves args untouched.
func Substitute(args []string, processName string, signal int32) []string {
	out := make([]string, len(args))
	procTok := "<proc>"
	exitTok := "<exitcode>"
	exitStr := fmt.Sprintf("%d", signal)
	for i, a := range args {
		a = strings.ReplaceAll(a, procTok, processName)
		a = strings.ReplaceAll(a, exitTok, exitStr)
		out[i] = a
	}
	return out
}
