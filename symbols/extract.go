// Package symbols builds a small in-memory index of the top-level symbols in
// a source tree and answers name-match queries against it.
package symbols

import (
	"go/ast"
	"go/parser"
	"go/token"
	"path/filepath"
	"regexp"
	"strings"
)

// Symbol is one declaration found in a source file. Lines are 1-based and
// inclusive.
type Symbol struct {
	Path  string `json:"path"`
	Kind  string `json:"kind"`
	Name  string `json:"name"`
	Start int    `json:"start"`
	End   int    `json:"end"`
	Code  string `json:"code"`
}

type rule struct {
	kind string
	re   *regexp.Regexp
}

var (
	pythonRules = []rule{
		{"class", regexp.MustCompile(`^\s*class\s+(\w+)`)},
		{"function", regexp.MustCompile(`^\s*(?:async\s+)?def\s+(\w+)`)},
	}
	jsRules = []rule{
		{"class", regexp.MustCompile(`^(?:export\s+)?(?:default\s+)?class\s+(\w+)`)},
		{"function", regexp.MustCompile(`^(?:export\s+)?(?:async\s+)?function\s*\*?\s*(\w+)`)},
		{"function", regexp.MustCompile(`^(?:export\s+)?(?:const|let|var)\s+(\w+)\s*=\s*(?:async\s+)?(?:\([^)]*\)|\w+)\s*=>`)},
	}
	rustRules = []rule{
		{"struct", regexp.MustCompile(`^(?:pub(?:\([^)]*\))?\s+)?struct\s+(\w+)`)},
		{"enum", regexp.MustCompile(`^(?:pub(?:\([^)]*\))?\s+)?enum\s+(\w+)`)},
		{"trait", regexp.MustCompile(`^(?:pub(?:\([^)]*\))?\s+)?trait\s+(\w+)`)},
		{"function", regexp.MustCompile(`^\s*(?:pub(?:\([^)]*\))?\s+)?(?:async\s+)?fn\s+(\w+)`)},
	}
	rubyRules = []rule{
		{"class", regexp.MustCompile(`^\s*class\s+(\w+)`)},
		{"module", regexp.MustCompile(`^\s*module\s+(\w+)`)},
		{"function", regexp.MustCompile(`^\s*def\s+(?:self\.)?(\w+[?!]?)`)},
	}
	javaRules = []rule{
		{"class", regexp.MustCompile(`^\s*(?:(?:public|private|protected|abstract|final|static)\s+)*class\s+(\w+)`)},
		{"interface", regexp.MustCompile(`^\s*(?:(?:public|private|protected)\s+)?interface\s+(\w+)`)},
		{"function", regexp.MustCompile(`^\s+(?:(?:public|private|protected|static|final)\s+)*[\w<>\[\],]+\s+(\w+)\s*\([^;]*$`)},
	}
)

func rulesFor(path string) []rule {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".py":
		return pythonRules
	case ".js", ".jsx", ".ts", ".tsx", ".mjs":
		return jsRules
	case ".rs":
		return rustRules
	case ".rb":
		return rubyRules
	case ".java", ".kt":
		return javaRules
	}
	return nil
}

// Supported reports whether Extract understands the file's language.
func Supported(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".go") || rulesFor(path) != nil
}

// Extract returns the symbols declared in src. Go is parsed properly; the
// other supported languages are matched line by line, each symbol running
// until the next one starts. Unsupported or unparsable files yield nil.
func Extract(path string, src []byte) []Symbol {
	if strings.EqualFold(filepath.Ext(path), ".go") {
		return extractGo(path, src)
	}
	if rules := rulesFor(path); rules != nil {
		return extractByRules(path, src, rules)
	}
	return nil
}

func extractGo(path string, src []byte) []Symbol {
	fset := token.NewFileSet()
	f, err := parser.ParseFile(fset, path, src, parser.SkipObjectResolution)
	if err != nil {
		return nil
	}
	lines := strings.Split(string(src), "\n")
	span := func(n ast.Node) (int, int) {
		return fset.Position(n.Pos()).Line, fset.Position(n.End()).Line
	}

	var out []Symbol
	for _, decl := range f.Decls {
		switch d := decl.(type) {
		case *ast.FuncDecl:
			name, kind := d.Name.Name, "function"
			if d.Recv != nil && len(d.Recv.List) > 0 {
				kind = "method"
				if recv := receiverName(d.Recv.List[0].Type); recv != "" {
					name = recv + "." + name
				}
			}
			start, end := span(d)
			out = append(out, Symbol{Path: path, Kind: kind, Name: name, Start: start, End: end, Code: slice(lines, start, end)})
		case *ast.GenDecl:
			for _, spec := range d.Specs {
				ts, ok := spec.(*ast.TypeSpec)
				if !ok {
					continue
				}
				kind := "type"
				switch ts.Type.(type) {
				case *ast.StructType:
					kind = "struct"
				case *ast.InterfaceType:
					kind = "interface"
				}
				// Ungrouped declarations include the type keyword.
				node := ast.Node(ts)
				if !d.Lparen.IsValid() {
					node = d
				}
				start, end := span(node)
				out = append(out, Symbol{Path: path, Kind: kind, Name: ts.Name.Name, Start: start, End: end, Code: slice(lines, start, end)})
			}
		}
	}
	return out
}

func receiverName(expr ast.Expr) string {
	switch e := expr.(type) {
	case *ast.Ident:
		return e.Name
	case *ast.StarExpr:
		return receiverName(e.X)
	case *ast.IndexExpr:
		return receiverName(e.X)
	case *ast.IndexListExpr:
		return receiverName(e.X)
	}
	return ""
}

func extractByRules(path string, src []byte, rules []rule) []Symbol {
	lines := strings.Split(string(src), "\n")
	var (
		out []Symbol
		cur *Symbol
	)
	flush := func(end int) {
		if cur == nil {
			return
		}
		for end > cur.Start && strings.TrimSpace(lines[end-1]) == "" {
			end--
		}
		cur.End = end
		cur.Code = slice(lines, cur.Start, end)
		out = append(out, *cur)
		cur = nil
	}
	for i, line := range lines {
		for _, r := range rules {
			m := r.re.FindStringSubmatch(line)
			if m == nil {
				continue
			}
			flush(i)
			cur = &Symbol{Path: path, Kind: r.kind, Name: m[1], Start: i + 1}
			break
		}
	}
	flush(len(lines))
	return out
}

func slice(lines []string, start, end int) string {
	if start < 1 {
		start = 1
	}
	if end > len(lines) {
		end = len(lines)
	}
	if start > end {
		return ""
	}
	return strings.Join(lines[start-1:end], "\n")
}
