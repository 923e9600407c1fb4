package gateway

import (
	"fmt"
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// shellCommand is one simple command extracted from a proposed shell
// invocation.
type shellCommand struct {
	Name string
	Args []string
}

// parseShellCommands parses a proposed shell command line into its simple
// commands. Every command in a pipeline or list is returned, so an
// allow-list decision covers the whole line.
func parseShellCommands(command string) ([]shellCommand, error) {
	parser := syntax.NewParser(
		syntax.Variant(syntax.LangBash),
		syntax.KeepComments(false),
	)

	file, err := parser.Parse(strings.NewReader(command), "")
	if err != nil {
		return nil, fmt.Errorf("failed to parse command: %w", err)
	}

	var commands []shellCommand
	syntax.Walk(file, func(node syntax.Node) bool {
		if call, ok := node.(*syntax.CallExpr); ok {
			if cmd := extractCommand(call); cmd != nil {
				commands = append(commands, *cmd)
			}
		}
		return true
	})
	return commands, nil
}

func extractCommand(call *syntax.CallExpr) *shellCommand {
	if len(call.Args) == 0 {
		return nil
	}

	cmd := &shellCommand{Name: wordToString(call.Args[0])}
	if cmd.Name == "" {
		return nil
	}
	for _, arg := range call.Args[1:] {
		cmd.Args = append(cmd.Args, wordToString(arg))
	}
	return cmd
}

// wordToString flattens a parsed word. Dynamic constructs come back as
// placeholders that no literal pattern will match, so expansion tricks
// cannot smuggle a command past the allow-list.
func wordToString(word *syntax.Word) string {
	var sb strings.Builder
	for _, part := range word.Parts {
		switch p := part.(type) {
		case *syntax.Lit:
			sb.WriteString(p.Value)
		case *syntax.SglQuoted:
			sb.WriteString(p.Value)
		case *syntax.DblQuoted:
			for _, qp := range p.Parts {
				if lit, ok := qp.(*syntax.Lit); ok {
					sb.WriteString(lit.Value)
				}
			}
		case *syntax.ParamExp:
			sb.WriteString("$" + p.Param.Value)
		case *syntax.CmdSubst:
			sb.WriteString("$()")
		}
	}
	return sb.String()
}

// matchCommandPattern reports whether a command matches a space-separated
// wildcard pattern such as "npm install *", "git status", or "*".
func matchCommandPattern(pattern string, cmd shellCommand) bool {
	parts := strings.Fields(pattern)
	if len(parts) == 0 {
		return false
	}

	if parts[0] == "*" && len(parts) == 1 {
		return true
	}
	if parts[0] != "*" && parts[0] != cmd.Name {
		return false
	}

	// Bare command name: matches only an argument-less invocation.
	if len(parts) == 1 {
		return len(cmd.Args) == 0
	}

	// Trailing wildcard: fixed prefix must match, rest is free.
	if parts[len(parts)-1] == "*" {
		for i := 1; i < len(parts)-1; i++ {
			argIndex := i - 1
			if argIndex >= len(cmd.Args) {
				return false
			}
			if parts[i] != "*" && parts[i] != cmd.Args[argIndex] {
				return false
			}
		}
		return true
	}

	// Otherwise every argument must match exactly.
	if len(parts)-1 != len(cmd.Args) {
		return false
	}
	for i := 1; i < len(parts); i++ {
		if parts[i] != "*" && parts[i] != cmd.Args[i-1] {
			return false
		}
	}
	return true
}
