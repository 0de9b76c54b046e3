// Command redirects populates the .goredirectstbl section of the kernel image.
//
// Kernel functions annotated with a "//go:redirect-from runtime.symbol"
// directive replace the named runtime function. The rt0 code walks the table
// at boot and patches each source symbol with a jump to its replacement.
//
// Usage, from the module root:
//
//	redirects count                     print the number of redirects
//	redirects populate-table kernel.bin write the redirect table into the image
package main

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/mod/modfile"
)

const (
	redirectDirective = "//go:redirect-from"
	redirectTable     = ".goredirectstbl"

	// Each table entry holds the source and destination VMAs.
	tableEntrySize = 16
)

// redirect pairs a runtime symbol with the kernel function that replaces it.
type redirect struct {
	src, dst       string
	srcVMA, dstVMA uint64
}

func exit(err error) {
	fmt.Fprintf(os.Stderr, "[redirects] error: %s\n", err.Error())
	os.Exit(1)
}

// pkgPrefix returns the module path declared by the go.mod file at modFile.
// Symbol names emitted by the linker are prefixed by it.
func pkgPrefix(modFile string) (string, error) {
	data, err := ioutil.ReadFile(modFile)
	if err != nil {
		return "", err
	}

	prefix := modfile.ModulePath(data)
	if prefix == "" {
		return "", fmt.Errorf("%s: missing module directive", modFile)
	}

	return prefix, nil
}

// scanRedirects collects the redirect directives of every package under the
// kernel/ folder of the module rooted at modRoot. The result is sorted by
// source symbol.
func scanRedirects(modRoot string) ([]*redirect, error) {
	prefix, err := pkgPrefix(filepath.Join(modRoot, "go.mod"))
	if err != nil {
		return nil, err
	}

	var redirects []*redirect
	err = filepath.Walk(filepath.Join(modRoot, "kernel"), func(path string, info os.FileInfo, err error) error {
		if err != nil || !info.IsDir() {
			return err
		}

		rel, err := filepath.Rel(modRoot, path)
		if err != nil {
			return err
		}

		found, err := packageRedirects(prefix+"/"+filepath.ToSlash(rel), path)
		redirects = append(redirects, found...)
		return err
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(redirects, func(i, j int) bool { return redirects[i].src < redirects[j].src })
	return redirects, nil
}

func isKernelSource(info os.FileInfo) bool {
	return !strings.HasSuffix(info.Name(), "_test.go")
}

// packageRedirects parses the non-test sources in dir and returns the
// redirects declared by their function doc comments. Destination symbols are
// qualified with pkgPath the way the linker names them.
func packageRedirects(pkgPath, dir string) ([]*redirect, error) {
	fset := token.NewFileSet()
	pkgs, err := parser.ParseDir(fset, dir, isKernelSource, parser.ParseComments)
	if err != nil {
		return nil, err
	}

	var redirects []*redirect
	for _, pkg := range pkgs {
		for _, file := range pkg.Files {
			for _, decl := range file.Decls {
				fnDecl, ok := decl.(*ast.FuncDecl)
				if !ok || fnDecl.Recv != nil || fnDecl.Doc == nil {
					continue
				}

				for _, comment := range fnDecl.Doc.List {
					if !strings.HasPrefix(comment.Text, redirectDirective) {
						continue
					}

					fields := strings.Fields(comment.Text)
					if len(fields) != 2 || fields[0] != redirectDirective {
						return nil, fmt.Errorf("%s: malformed %s directive for %s", fset.Position(comment.Pos()), redirectDirective, fnDecl.Name)
					}

					redirects = append(redirects, &redirect{
						src: fields[1],
						dst: pkgPath + "." + fnDecl.Name.Name,
					})
				}
			}
		}
	}

	return redirects, nil
}

// resolveSymbols fills in the VMA of both ends of each redirect from the
// image symbol table.
func resolveSymbols(img *elf.File, redirects []*redirect) error {
	symbols, err := img.Symbols()
	if err != nil {
		return err
	}

	addrs := make(map[string]uint64, len(symbols))
	for _, symbol := range symbols {
		addrs[symbol.Name] = symbol.Value
	}

	for _, r := range redirects {
		if r.srcVMA = addrs[r.src]; r.srcVMA == 0 {
			return fmt.Errorf("could not locate address of %q", r.src)
		}
		if r.dstVMA = addrs[r.dst]; r.dstVMA == 0 {
			return fmt.Errorf("could not locate address of %q", r.dst)
		}
	}

	return nil
}

// encodeTable serializes the resolved redirects in the layout expected by
// the rt0 code.
func encodeTable(redirects []*redirect) []byte {
	var buf bytes.Buffer
	for _, r := range redirects {
		binary.Write(&buf, binary.LittleEndian, [2]uint64{r.srcVMA, r.dstVMA})
	}
	return buf.Bytes()
}

// populateTable resolves the redirects against the symbols of imgFile and
// writes them into its redirect table section.
func populateTable(imgFile string, redirects []*redirect) error {
	img, err := elf.Open(imgFile)
	if err != nil {
		return err
	}

	section := img.Section(redirectTable)
	if section == nil {
		img.Close()
		return fmt.Errorf("%s: missing %s section", imgFile, redirectTable)
	}

	offset, capacity := section.Offset, section.Size/tableEntrySize
	err = resolveSymbols(img, redirects)
	img.Close()
	switch {
	case err != nil:
		return fmt.Errorf("%s: %s", imgFile, err)
	case uint64(len(redirects)) > capacity:
		return fmt.Errorf("%s: %s section holds %d entries; need %d", imgFile, redirectTable, capacity, len(redirects))
	}

	f, err := os.OpenFile(imgFile, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.WriteAt(encodeTable(redirects), int64(offset))
	return err
}

func main() {
	flag.Parse()
	if _, err := os.Stat("go.mod"); err != nil {
		exit(errors.New("this tool must be run from the module root folder"))
	}

	var imgFile string
	switch cmd := flag.Arg(0); cmd {
	case "":
		exit(errors.New("missing command"))
	case "count":
	case "populate-table":
		if flag.NArg() != 2 {
			exit(errors.New("populate-table requires the path to the kernel image as an argument"))
		}
		imgFile = flag.Arg(1)
	default:
		exit(fmt.Errorf("unknown command %q", cmd))
	}

	redirects, err := scanRedirects(".")
	if err != nil {
		exit(err)
	}

	if imgFile == "" {
		fmt.Printf("%d", len(redirects))
		return
	}

	if err = populateTable(imgFile, redirects); err != nil {
		exit(err)
	}
}
