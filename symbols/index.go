package symbols

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Limits on what Build reads.
const (
	MaxFiles    = 5000
	MaxFileSize = 1 << 20
)

// Directories named here, or starting with "." or "_", are not walked.
var skipDirs = map[string]bool{
	"node_modules": true, "vendor": true, "venv": true,
	"dist": true, "build": true, "coverage": true, "testdata": true,
}

// Index holds the symbols of one source tree. Paths are relative to the
// tree's root and use forward slashes.
type Index struct {
	root    string
	files   int
	symbols []Symbol
}

// Build walks root and extracts the symbols of every supported file. Files
// that cannot be read are skipped; walking stops once MaxFiles files have
// been read or ctx is done.
func Build(ctx context.Context, root string) (*Index, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, &fs.PathError{Op: "index", Path: root, Err: fs.ErrInvalid}
	}

	ix := &Index{root: root}
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if d != nil && d.IsDir() && path != root {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			name := d.Name()
			if path != root && (skipDirs[name] || strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_")) {
				return fs.SkipDir
			}
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !d.Type().IsRegular() || !Supported(path) {
			return nil
		}
		if fi, err := d.Info(); err != nil || fi.Size() > MaxFileSize {
			return nil
		}
		src, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			rel = path
		}
		ix.symbols = append(ix.symbols, Extract(filepath.ToSlash(rel), src)...)
		ix.files++
		if ix.files >= MaxFiles {
			return fs.SkipAll
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ix, nil
}

// Root returns the directory the index was built from.
func (ix *Index) Root() string { return ix.root }

// Files returns the number of files that were read.
func (ix *Index) Files() int { return ix.files }

// Len returns the number of indexed symbols.
func (ix *Index) Len() int { return len(ix.symbols) }

// Search scores every symbol against the words of query: ten points for each
// word found in the symbol's name and one for each found in its code. Words
// shorter than three letters are ignored. It returns up to k symbols with a
// positive score, best first; ties keep index order.
func (ix *Index) Search(query string, k int) []Symbol {
	terms := queryTerms(query)
	if len(terms) == 0 || k <= 0 {
		return nil
	}
	type hit struct {
		score int
		sym   Symbol
	}
	var hits []hit
	for _, s := range ix.symbols {
		name, code := strings.ToLower(s.Name), strings.ToLower(s.Code)
		score := 0
		for _, t := range terms {
			if strings.Contains(name, t) {
				score += 10
			}
			if strings.Contains(code, t) {
				score++
			}
		}
		if score > 0 {
			hits = append(hits, hit{score, s})
		}
	}
	sort.SliceStable(hits, func(a, b int) bool { return hits[a].score > hits[b].score })
	if len(hits) > k {
		hits = hits[:k]
	}
	out := make([]Symbol, len(hits))
	for i, h := range hits {
		out[i] = h.sym
	}
	return out
}

func queryTerms(query string) []string {
	seen := make(map[string]bool)
	var terms []string
	for _, w := range strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !(r == '_' || r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	}) {
		if len(w) < 3 || seen[w] {
			continue
		}
		seen[w] = true
		terms = append(terms, w)
	}
	return terms
}
