//go:build windows

package terminal

import (
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/UserExistsError/conpty"
)

type windowsPTY struct {
	cpty *conpty.ConPty
}

func (p *windowsPTY) Read(b []byte) (int, error)  { return p.cpty.Read(b) }
func (p *windowsPTY) Write(b []byte) (int, error) { return p.cpty.Write(b) }
func (p *windowsPTY) Close() error                { return p.cpty.Close() }

func (p *windowsPTY) Resize(cols, rows uint16) error {
	return p.cpty.Resize(int(cols), int(rows))
}

// startPTY starts the command in a Windows ConPTY. ConPTY creates the
// process itself, so the exec.Cmd is flattened into a command line and
// cmd.Process is backfilled afterwards.
func startPTY(cmd *exec.Cmd, cols, rows int) (ptyHandle, error) {
	cmdLine := buildCmdLine(cmd.Args)
	if len(cmd.Args) == 0 {
		cmdLine = escapeArg(cmd.Path)
	}

	opts := []conpty.ConPtyOption{
		conpty.ConPtyDimensions(cols, rows),
	}
	if cmd.Dir != "" {
		opts = append(opts, conpty.ConPtyWorkDir(cmd.Dir))
	}
	if cmd.Env != nil {
		opts = append(opts, conpty.ConPtyEnv(cmd.Env))
	}

	cpty, err := conpty.Start(cmdLine, opts...)
	if err != nil {
		return nil, err
	}

	pid := cpty.Pid()
	proc, err := os.FindProcess(int(pid))
	if err != nil {
		_ = cpty.Close()
		return nil, fmt.Errorf("find conpty process %d: %w", pid, err)
	}
	cmd.Process = proc
	return &windowsPTY{cpty: cpty}, nil
}

// escapeArg follows the MSDN CommandLineToArgvW parsing rules: backslashes
// are doubled only before a double quote, quotes are backslash-escaped, and
// the argument is quoted when it contains whitespace.
func escapeArg(s string) string {
	if len(s) == 0 {
		return `""`
	}
	if !strings.ContainsAny(s, " \t\"\\") {
		return s
	}
	var b strings.Builder
	hasSpace := strings.ContainsAny(s, " \t")
	if hasSpace {
		b.WriteByte('"')
	}
	slashes := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case '\\':
			slashes++
		case '"':
			for ; slashes >= 0; slashes-- {
				b.WriteByte('\\')
			}
			slashes = 0
		default:
			slashes = 0
		}
		b.WriteByte(c)
	}
	if hasSpace {
		for ; slashes > 0; slashes-- {
			b.WriteByte('\\')
		}
		b.WriteByte('"')
	}
	return b.String()
}

func buildCmdLine(args []string) string {
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = escapeArg(a)
	}
	return strings.Join(parts, " ")
}
