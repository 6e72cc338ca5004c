// Package safety implements the syntactic call analyzer that pre-checks
// submitted source for forbidden call sites. It is a heuristic
// defense-in-depth measure, not a sandbox: it resolves import aliases and
// walks call expressions the way Python's ast module would, but is built on
// a hand-rolled tokenizer since the pack carries no Python-AST library for
// Go (see DESIGN.md).
package safety

import "sort"

// Violation is one banned call site found in submitted source.
type Violation struct {
	Name   string
	Lineno int
	Col    int
}

// bannedCalls mirrors the banned set from the specification: simple shell-
// out and dynamic-execution surfaces. "compile" bans the bare builtin only —
// re.compile is a different dotted name and is never flagged.
var bannedCalls = map[string]bool{
	"os.system":               true,
	"os.popen":                true,
	"os.spawnl":               true,
	"os.spawnlp":              true,
	"os.spawnv":               true,
	"os.spawnvp":              true,
	"subprocess.Popen":        true,
	"subprocess.run":          true,
	"subprocess.call":         true,
	"subprocess.check_call":   true,
	"subprocess.check_output": true,
	"eval":                    true,
	"__import__":              true,
	"compile":                 true,
}

type callSite struct {
	name         string
	lineno, col  int
}

// Check parses source and returns every call whose resolved dotted callee
// name is in the banned set, sorted by (line, col, name). A tokenization
// failure (unterminated string or bracket) is treated the same as a Python
// SyntaxError: the interpreter will surface it later, so no violations are
// reported here.
func Check(source string) []Violation {
	aliases, calls, ok := scan(source)
	if !ok {
		return nil
	}

	var violations []Violation
	for _, c := range calls {
		resolved := resolve(c.name, aliases)
		if resolved != "" && bannedCalls[resolved] {
			violations = append(violations, Violation{Name: resolved, Lineno: c.lineno, Col: c.col})
		}
	}
	sort.Slice(violations, func(i, j int) bool {
		a, b := violations[i], violations[j]
		if a.Lineno != b.Lineno {
			return a.Lineno < b.Lineno
		}
		if a.Col != b.Col {
			return a.Col < b.Col
		}
		return a.Name < b.Name
	})
	return violations
}

// resolve substitutes the head of a dotted callee name via the alias map,
// the way _resolve_call_name in the reference implementation does.
func resolve(dotted string, aliases map[string]string) string {
	head := dotted
	rest := ""
	for i, r := range dotted {
		if r == '.' {
			head = dotted[:i]
			rest = dotted[i+1:]
			break
		}
	}
	if mapped, ok := aliases[head]; ok {
		if rest != "" {
			return mapped + "." + rest
		}
		return mapped
	}
	return dotted
}

// scan tokenizes source once, building the import alias map and the list of
// call expressions encountered anywhere in the token stream (mirroring
// ast.walk's flat, scope-agnostic traversal). ok is false on tokenization
// failure.
func scan(source string) (aliases map[string]string, calls []callSite, ok bool) {
	lx := newLexer(source)
	aliases = make(map[string]string)

	var (
		chainParts           []string
		chainValid           bool
		chainLine, chainCol  int
		lastWasDot           bool
		prevWasCloser        bool
		atStatementStart     = true
	)

	resetChain := func() {
		chainParts = nil
		chainValid = false
		lastWasDot = false
	}

	for {
		tok := lx.next()
		if tok.kind == tokEOF {
			break
		}

		if tok.kind == tokNewline {
			resetChain()
			prevWasCloser = false
			atStatementStart = true
			continue
		}

		if tok.kind == tokIdent && atStatementStart && (tok.val == "import" || tok.val == "from") {
			if tok.val == "import" {
				parseImport(lx, aliases)
			} else {
				parseFromImport(lx, aliases)
			}
			resetChain()
			prevWasCloser = false
			atStatementStart = false
			continue
		}
		atStatementStart = false

		switch tok.kind {
		case tokIdent:
			if chainValid && lastWasDot {
				chainParts = append(chainParts, tok.val)
			} else {
				chainParts = []string{tok.val}
				chainValid = true
				chainLine, chainCol = tok.line, tok.col
			}
			lastWasDot = false
			prevWasCloser = false
		case tokDot:
			if prevWasCloser {
				chainValid = false
			}
			lastWasDot = chainValid || prevWasCloser
			if !chainValid {
				chainParts = nil
			}
			prevWasCloser = false
		case tokLParen:
			if chainValid && !lastWasDot && len(chainParts) > 0 {
				calls = append(calls, callSite{name: joinDotted(chainParts), lineno: chainLine, col: chainCol})
			}
			resetChain()
			prevWasCloser = false
		case tokRParen, tokRBracket:
			resetChain()
			prevWasCloser = true
		default:
			resetChain()
			prevWasCloser = false
		}
	}

	if lx.unterm || lx.bracketDep != 0 {
		return nil, nil, false
	}
	return aliases, calls, true
}

func joinDotted(parts []string) string {
	out := parts[0]
	for _, p := range parts[1:] {
		out += "." + p
	}
	return out
}

// parseImport handles `import a.b.c as d, e.f` clauses.
func parseImport(lx *lexer, aliases map[string]string) {
	for {
		dotted, ok := parseDottedName(lx)
		if !ok {
			return
		}
		local := dotted
		if asName, hasAs := parseOptionalAs(lx); hasAs {
			local = asName
		}
		aliases[local] = dotted

		save := *lx
		t := lx.next()
		if t.kind != tokComma {
			*lx = save
			return
		}
	}
}

// parseFromImport handles `from m.n import a as b, c` and `from m import *`.
func parseFromImport(lx *lexer, aliases map[string]string) {
	module, ok := parseDottedName(lx)
	if !ok {
		return
	}
	// Expect "import" keyword next; skip anything unexpected defensively.
	for {
		t := lx.next()
		if t.kind == tokEOF || t.kind == tokNewline {
			return
		}
		if t.kind == tokIdent && t.val == "import" {
			break
		}
	}
	if module == "" {
		return
	}
	for {
		t := lx.next()
		if t.kind == tokEOF || t.kind == tokNewline {
			return
		}
		if t.kind == tokOther && t.val == "*" {
			return // wildcard import ignored
		}
		if t.kind != tokIdent {
			return
		}
		name := t.val
		local := name
		if asName, hasAs := parseOptionalAs(lx); hasAs {
			local = asName
		}
		aliases[local] = module + "." + name

		save := *lx
		nt := lx.next()
		if nt.kind != tokComma {
			*lx = save
			return
		}
	}
}

// parseDottedName consumes IDENT ('.' IDENT)* and returns the joined name.
func parseDottedName(lx *lexer) (string, bool) {
	t := lx.next()
	if t.kind != tokIdent {
		return "", false
	}
	parts := []string{t.val}
	for {
		save := *lx
		dot := lx.next()
		if dot.kind != tokDot {
			*lx = save
			break
		}
		id := lx.next()
		if id.kind != tokIdent {
			*lx = save
			break
		}
		parts = append(parts, id.val)
	}
	return joinDotted(parts), true
}

// parseOptionalAs consumes a trailing "as NAME" clause if present.
func parseOptionalAs(lx *lexer) (string, bool) {
	save := *lx
	t := lx.next()
	if t.kind == tokIdent && t.val == "as" {
		name := lx.next()
		if name.kind == tokIdent {
			return name.val, true
		}
	}
	*lx = save
	return "", false
}
