package domain

import "strings"

// Command is the closed representation of something to run inside a
// container: either a direct program invocation or a shell script. The
// decision is made once at the call site, never re-derived from the string
// contents downstream.
type Command struct {
	kind   commandKind
	argv   []string
	script string
}

type commandKind int

const (
	kindDirect commandKind = iota
	kindShell
)

// Direct builds a command that resolves program through the container's PATH
// and passes args verbatim, with no shell interpretation.
func Direct(program string, args ...string) Command {
	argv := append([]string{program}, args...)
	return Command{kind: kindDirect, argv: argv}
}

// Shell builds a command executed as a script by /bin/sh -c.
func Shell(script string) Command {
	return Command{kind: kindShell, script: script}
}

// IsZero reports whether the command carries nothing to run.
func (c Command) IsZero() bool {
	return c.kind == kindDirect && len(c.argv) == 0
}

// IsShell reports whether the command is already a shell invocation.
func (c Command) IsShell() bool {
	return c.kind == kindShell
}

// Argv returns the exec argv for the runtime. Shell commands expand to
// ["/bin/sh", "-c", script].
func (c Command) Argv() []string {
	if c.kind == kindShell {
		return []string{"/bin/sh", "-c", c.script}
	}
	return append([]string(nil), c.argv...)
}

// Tokens returns the raw tokens of a direct command, or the script split on
// whitespace for a shell command. Used by the repair heuristics, which reason
// about individual tokens.
func (c Command) Tokens() []string {
	if c.kind == kindShell {
		return strings.Fields(c.script)
	}
	return append([]string(nil), c.argv...)
}

// String renders the command the way it would be typed at a prompt.
func (c Command) String() string {
	if c.kind == kindShell {
		return c.script
	}
	return strings.Join(c.argv, " ")
}

// ExecResult is the outcome of one command run. Created per invocation and
// never persisted.
type ExecResult struct {
	Success    bool   `json:"success"`
	Output     string `json:"output"`
	Error      string `json:"error,omitempty"`
	Suggestion string `json:"suggestion,omitempty"`
}
