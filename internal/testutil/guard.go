// Package testutil provides test helpers that enforce package layering.
package testutil

import (
	"fmt"
	"go/parser"
	"go/token"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"golang.org/x/tools/go/packages"
)

// AssertNoDirectImports scans the non-test .go files in dir and fails if any
// import path satisfies forbidden. Build tags are not evaluated.
func AssertNoDirectImports(t testing.TB, dir string, forbidden func(importPath string) bool, reason string) {
	t.Helper()
	viols, err := directImportViolations(dir, forbidden)
	if err != nil {
		t.Fatalf("scan %s: %v", dir, err)
	}
	failIfViolations(t, "direct imports", reason, viols)
}

// AssertNoTransitiveDependency loads pattern with its dependency graph and
// fails if any reachable package path satisfies forbidden.
func AssertNoTransitiveDependency(t testing.TB, pattern string, forbidden func(path string) bool, reason string) {
	t.Helper()
	viols, err := transitiveViolations(pattern, forbidden)
	if err != nil {
		t.Fatalf("load %s: %v", pattern, err)
	}
	failIfViolations(t, "transitive dependency", reason, viols)
}

// AssertImportConfined fails if a package matched by pattern, other than
// those under target or one of allowed, imports a package under target.
// Test files are not checked; tests may wire concrete adapters as fakes.
func AssertImportConfined(t testing.TB, pattern, target string, allowed ...string) {
	t.Helper()
	pkgs, err := packages.Load(&packages.Config{Mode: packages.NeedName | packages.NeedImports}, pattern)
	if err != nil {
		t.Fatalf("load %s: %v", pattern, err)
	}
	seen := map[string]bool{}
	for _, pkg := range pkgs {
		if underPrefix(pkg.PkgPath, target) || underAny(pkg.PkgPath, allowed) {
			continue
		}
		for ip := range pkg.Imports {
			if underPrefix(ip, target) {
				seen[pkg.PkgPath+": "+ip] = true
			}
		}
	}
	viols := make([]string, 0, len(seen))
	for v := range seen {
		viols = append(viols, v)
	}
	sort.Strings(viols)
	failIfViolations(t, "imports of "+target, "only "+strings.Join(allowed, ", ")+" may import it", viols)
}

func underPrefix(path, prefix string) bool {
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}

func underAny(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if underPrefix(path, p) {
			return true
		}
	}
	return false
}

var (
	syntaxMu    sync.Mutex
	syntaxCache = map[string]*packages.Package{}
)

// LoadSyntax type-checks the package at path with its syntax trees. Results
// are cached for the life of the test binary.
func LoadSyntax(t testing.TB, path string) *packages.Package {
	t.Helper()
	syntaxMu.Lock()
	defer syntaxMu.Unlock()
	if pkg, ok := syntaxCache[path]; ok {
		return pkg
	}
	pkgs, err := packages.Load(&packages.Config{
		Mode: packages.NeedName | packages.NeedTypes | packages.NeedSyntax | packages.NeedFiles | packages.NeedCompiledGoFiles,
	}, path)
	if err != nil {
		t.Fatalf("load %s: %v", path, err)
	}
	for _, pkg := range pkgs {
		if len(pkg.Errors) > 0 {
			t.Fatalf("load %s: %v", path, pkg.Errors)
		}
		if pkg.PkgPath == path {
			syntaxCache[path] = pkg
			return pkg
		}
	}
	t.Fatalf("package %s not found", path)
	return nil
}

// InternalImport matches any path containing /internal/.
func InternalImport(path string) bool {
	return strings.HasPrefix(path, "kgmirror/internal/") || strings.Contains(path, "/internal/")
}

// StorageImport matches storage SDKs and drivers plus the concrete adapters
// under internal/infra.
func StorageImport(path string) bool {
	for _, prefix := range []string{
		"kgmirror/internal/infra/",
		"github.com/jackc/pgx",
		"modernc.org/sqlite",
		"github.com/aws/aws-sdk-go-v2",
		"cloud.google.com/go/storage",
	} {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func directImportViolations(dir string, forbidden func(string) bool) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	fset := token.NewFileSet()
	var viols []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".go") || strings.HasSuffix(name, "_test.go") {
			continue
		}
		f, err := parser.ParseFile(fset, filepath.Join(dir, name), nil, parser.ImportsOnly)
		if err != nil {
			return nil, err
		}
		for _, imp := range f.Imports {
			ip := strings.Trim(imp.Path.Value, `"`)
			if forbidden(ip) {
				viols = append(viols, fmt.Sprintf("%s (in %s)", ip, name))
			}
		}
	}
	return viols, nil
}

func transitiveViolations(pattern string, forbidden func(string) bool) ([]string, error) {
	pkgs, err := packages.Load(&packages.Config{Mode: packages.NeedName | packages.NeedImports | packages.NeedDeps}, pattern)
	if err != nil {
		return nil, err
	}
	if len(pkgs) == 0 {
		return nil, fmt.Errorf("no packages matched %s", pattern)
	}
	found := map[string]bool{}
	packages.Visit(pkgs, nil, func(p *packages.Package) {
		if forbidden(p.PkgPath) {
			found[p.PkgPath] = true
		}
	})
	viols := make([]string, 0, len(found))
	for p := range found {
		viols = append(viols, p)
	}
	sort.Strings(viols)
	return viols, nil
}

type fatalLogger interface {
	Fatalf(format string, args ...any)
}

func failIfViolations(t fatalLogger, kind, reason string, viols []string) {
	if len(viols) > 0 {
		t.Fatalf("forbidden %s detected (%s):\n%s", kind, reason, strings.Join(viols, "\n"))
	}
}
