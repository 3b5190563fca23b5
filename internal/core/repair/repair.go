// Package repair classifies failed container commands into a closed set of
// failure classes and rewrites them once. Shell failures in an LLM-driven
// system are dominated by a few recurring classes (path ambiguity, quoting,
// interpreter-name drift), so a fixed ordered rule table is used instead of a
// generic retry loop.
package repair

import (
	"context"
	"fmt"
	"strings"

	"github.com/EXCALOFRIO/FlowCode/internal/core/domain"
)

// Class identifies a failure bucket.
type Class string

const (
	ClassFileNotFound     Class = "file_not_found"
	ClassPermissionDenied Class = "permission_denied"
	ClassCommandNotFound  Class = "command_not_found"
	ClassSyntaxError      Class = "syntax_error"
	ClassUnknown          Class = "unknown"
)

// Classify maps error text onto a Class. Rules are evaluated in precedence
// order; the first match wins.
func Classify(errText string) Class {
	switch {
	case strings.Contains(errText, "No such file or directory"):
		return ClassFileNotFound
	case strings.Contains(errText, "Permission denied"):
		return ClassPermissionDenied
	case strings.Contains(errText, "command not found"), strings.Contains(errText, "not found"):
		return ClassCommandNotFound
	case strings.Contains(errText, "unexpected token"), strings.Contains(errText, "syntax error"):
		return ClassSyntaxError
	default:
		return ClassUnknown
	}
}

// Prober runs a lookup command inside a container and returns its trimmed
// output plus whether it succeeded. Injected so the rewrite rules stay
// testable without a runtime.
type Prober func(ctx context.Context, cmd domain.Command) (string, bool)

// Attempt is one heuristic correction cycle. The original command is never
// mutated; Fixed is always a fresh value.
type Attempt struct {
	Class    Class             `json:"strategy"`
	Original string            `json:"original_command"`
	Fixed    string            `json:"fixed_command"`
	Result   domain.ExecResult `json:"result"`
}

// interpreter aliases probed when the named program is missing. Covers
// runtimes shipped under two names.
var interpreterAliases = map[string]string{
	"python":  "python3",
	"python3": "python",
	"pip":     "pip3",
	"pip3":    "pip",
	"node":    "nodejs",
	"nodejs":  "node",
}

// Rewriter produces a corrected command for a classified failure.
type Rewriter struct {
	UploadsDir string
	Probe      Prober
}

// Rewrite builds the corrected command for the given class. It returns the
// rewritten command and the class actually applied, which may degrade to
// ClassUnknown's general fallback when a specific rule finds nothing to fix.
func (r Rewriter) Rewrite(ctx context.Context, class Class, failed domain.Command) (domain.Command, Class) {
	switch class {
	case ClassFileNotFound:
		if fixed, ok := r.rewriteFileNotFound(ctx, failed); ok {
			return fixed, ClassFileNotFound
		}
	case ClassPermissionDenied:
		return rewritePermissionDenied(failed), ClassPermissionDenied
	case ClassCommandNotFound:
		if fixed, ok := r.rewriteCommandNotFound(ctx, failed); ok {
			return fixed, ClassCommandNotFound
		}
	case ClassSyntaxError:
		return rewriteSyntaxError(failed), ClassSyntaxError
	}
	return generalFallback(failed), ClassUnknown
}

// rewriteFileNotFound treats the last token of the failed command as a
// candidate filename, searches the uploads directory and then the whole
// filesystem for its basename, and substitutes the discovered path. A spaced,
// unquoted filename is quoted instead.
func (r Rewriter) rewriteFileNotFound(ctx context.Context, failed domain.Command) (domain.Command, bool) {
	tokens := failed.Tokens()
	if len(tokens) < 2 {
		return domain.Command{}, false
	}
	candidate := tokens[len(tokens)-1]

	base := candidate
	if idx := strings.LastIndex(base, "/"); idx >= 0 {
		base = base[idx+1:]
	}

	if found, ok := r.findFile(ctx, r.UploadsDir, base); ok {
		return substituteLastToken(failed, found), true
	}
	if found, ok := r.findFile(ctx, "/", base); ok {
		return substituteLastToken(failed, found), true
	}

	// A shell command naming a spaced, unquoted file gets the argument
	// quoted as a whole.
	if failed.IsShell() {
		script := failed.String()
		if i := strings.IndexAny(script, " \t"); i >= 0 {
			arg := strings.TrimSpace(script[i+1:])
			if strings.Contains(arg, " ") && !strings.ContainsAny(arg, `'"`) {
				return domain.Shell(script[:i+1] + "'" + arg + "'"), true
			}
		}
	}
	return domain.Command{}, false
}

func (r Rewriter) findFile(ctx context.Context, root, basename string) (string, bool) {
	if r.Probe == nil || basename == "" {
		return "", false
	}
	script := fmt.Sprintf("find %s -name %s 2>/dev/null | head -n 1", shellQuote(root), shellQuote(basename))
	out, ok := r.Probe(ctx, domain.Shell(script))
	out = strings.TrimSpace(out)
	if !ok || out == "" {
		return "", false
	}
	return out, true
}

// rewritePermissionDenied prefixes an elevation wrapper, or wraps the whole
// command in a sub-shell when it is already elevated.
func rewritePermissionDenied(failed domain.Command) domain.Command {
	tokens := failed.Tokens()
	if len(tokens) > 0 && tokens[0] == "sudo" {
		return generalFallback(failed)
	}
	if failed.IsShell() {
		return domain.Shell("sudo sh -c " + shellQuote(failed.String()))
	}
	return domain.Direct("sudo", tokens...)
}

// rewriteCommandNotFound flips known interpreter aliases by probing which
// variant exists on PATH, and otherwise substitutes the resolved absolute
// path of the first token.
func (r Rewriter) rewriteCommandNotFound(ctx context.Context, failed domain.Command) (domain.Command, bool) {
	tokens := failed.Tokens()
	if len(tokens) == 0 || r.Probe == nil {
		return domain.Command{}, false
	}
	program := tokens[0]

	if alias, ok := interpreterAliases[program]; ok {
		if _, exists := r.probePath(ctx, alias); exists {
			return rebuild(failed, alias, tokens[1:]), true
		}
	}

	if path, exists := r.probePath(ctx, program); exists && path != program {
		return rebuild(failed, path, tokens[1:]), true
	}
	return domain.Command{}, false
}

func (r Rewriter) probePath(ctx context.Context, program string) (string, bool) {
	out, ok := r.Probe(ctx, domain.Shell("command -v "+shellQuote(program)))
	out = strings.TrimSpace(out)
	if !ok || out == "" {
		return "", false
	}
	return out, true
}

// rewriteSyntaxError re-wraps the original command as a single quoted
// argument to a sub-shell, escaping embedded quotes.
func rewriteSyntaxError(failed domain.Command) domain.Command {
	return domain.Shell("sh -c " + shellQuote(failed.String()))
}

// generalFallback wraps a command in a sub-shell unless it already is one.
func generalFallback(failed domain.Command) domain.Command {
	if failed.IsShell() {
		return failed
	}
	return domain.Shell(failed.String())
}

func substituteLastToken(failed domain.Command, replacement string) domain.Command {
	tokens := failed.Tokens()
	rebuilt := append(append([]string(nil), tokens[:len(tokens)-1]...), replacement)
	if failed.IsShell() {
		return domain.Shell(strings.Join(rebuilt, " "))
	}
	return domain.Direct(rebuilt[0], rebuilt[1:]...)
}

func rebuild(failed domain.Command, program string, rest []string) domain.Command {
	if failed.IsShell() {
		return domain.Shell(strings.Join(append([]string{program}, rest...), " "))
	}
	return domain.Direct(program, rest...)
}

// shellQuote single-quotes s for embedding in a shell script, escaping any
// embedded single quotes.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
