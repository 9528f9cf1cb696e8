package sanitize

import (
	"strings"

	"mvdan.cc/sh/v3/syntax"

	"github.com/kubegate-labs/kubegate/pkg/contracts"
)

// shellFinding is an intermediate structural detection before it is stamped
// with ids and timestamps by the sanitizer.
type shellFinding struct {
	RuleID string
	Reason string
	Span   contracts.Span
}

// shellInterpreters are executables whose -c argument smuggles a nested
// command past string-level checks.
var shellInterpreters = map[string]bool{
	"sh": true, "bash": true, "zsh": true, "dash": true, "ksh": true,
}

// analyzeShellStructure parses the request text as shell and reports
// structural injection constructs: multiple statements, pipelines, logical
// chaining, background execution, command substitution, and indirect shell
// execution. Parsing complements the regex rules: flag reordering and
// quoting tricks that defeat string matching are still visible in the AST.
//
// Text that does not parse as shell produces no findings; the regex layer
// still runs over it independently.
func analyzeShellStructure(text string) []shellFinding {
	parser := syntax.NewParser()
	file, err := parser.Parse(strings.NewReader(text), "")
	if err != nil {
		return nil
	}

	var findings []shellFinding
	add := func(ruleID, reason string, pos, end syntax.Pos) {
		findings = append(findings, shellFinding{
			RuleID: ruleID,
			Reason: reason,
			Span:   spanFromPos(text, pos, end),
		})
	}

	if len(file.Stmts) > 1 {
		add("shell-multi-statement", "multiple shell statements in one request",
			file.Stmts[1].Pos(), file.Stmts[len(file.Stmts)-1].End())
	}

	syntax.Walk(file, func(node syntax.Node) bool {
		switch n := node.(type) {
		case *syntax.Stmt:
			if n.Background {
				add("shell-background", "background execution operator", n.Pos(), n.End())
			}
		case *syntax.BinaryCmd:
			switch n.Op {
			case syntax.AndStmt, syntax.OrStmt:
				add("shell-logical-chain", "logical command chaining", n.Pos(), n.End())
			case syntax.Pipe, syntax.PipeAll:
				add("shell-pipeline", "pipeline between commands", n.Pos(), n.End())
			}
		case *syntax.CmdSubst:
			add("shell-cmd-subst", "command substitution", n.Pos(), n.End())
		case *syntax.Redirect:
			add("shell-redirect", "shell redirection", n.Pos(), n.End())
		case *syntax.CallExpr:
			if name := callName(n); shellInterpreters[name] && hasDashC(n) {
				add("shell-indirect-exec", "indirect execution via "+name+" -c", n.Pos(), n.End())
			}
		}
		return true
	})

	return findings
}

func callName(call *syntax.CallExpr) string {
	if len(call.Args) == 0 {
		return ""
	}
	var b strings.Builder
	printer := syntax.NewPrinter()
	if err := printer.Print(&b, call.Args[0]); err != nil {
		return ""
	}
	name := strings.Trim(b.String(), `"'`)
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		name = name[i+1:]
	}
	return name
}

func hasDashC(call *syntax.CallExpr) bool {
	var b strings.Builder
	printer := syntax.NewPrinter()
	for _, arg := range call.Args[1:] {
		b.Reset()
		if err := printer.Print(&b, arg); err != nil {
			continue
		}
		if b.String() == "-c" {
			return true
		}
	}
	return false
}

func spanFromPos(text string, pos, end syntax.Pos) contracts.Span {
	start := int(pos.Offset())
	stop := int(end.Offset())
	if start < 0 || start > len(text) {
		start = 0
	}
	if stop < start || stop > len(text) {
		stop = len(text)
	}
	return contracts.Span{Start: start, End: stop, Excerpt: excerpt(text, start, stop)}
}

// excerpt trims a matched span to a bounded, log-safe snippet.
func excerpt(text string, start, end int) string {
	const max = 80
	s := text[start:end]
	if len(s) > max {
		s = s[:max] + "…"
	}
	return s
}
