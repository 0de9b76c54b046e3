package main

import (
	"bytes"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
)

func TestPkgPrefix(t *testing.T) {
	dir, err := ioutil.TempDir("", "redirects")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	specs := []struct {
		contents  string
		expPrefix string
		expErr    bool
	}{
		{"module coopos\n\ngo 1.15\n", "coopos", false},
		{"// comment\nmodule \"example.com/kernel\"\n", "example.com/kernel", false},
		{"go 1.15\n", "", true},
	}

	modFile := filepath.Join(dir, "go.mod")
	for specIndex, spec := range specs {
		if err = ioutil.WriteFile(modFile, []byte(spec.contents), 0644); err != nil {
			t.Fatal(err)
		}

		prefix, err := pkgPrefix(modFile)
		if gotErr := err != nil; gotErr != spec.expErr {
			t.Errorf("[spec %d] expected error to be %t; got %v", specIndex, spec.expErr, err)
			continue
		}

		if prefix != spec.expPrefix {
			t.Errorf("[spec %d] expected prefix %q; got %q", specIndex, spec.expPrefix, prefix)
		}
	}

	if _, err = pkgPrefix(filepath.Join(dir, "missing.mod")); err == nil {
		t.Error("expected an error for a missing go.mod")
	}
}

func TestScanRedirects(t *testing.T) {
	dir, err := ioutil.TempDir("", "redirects")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	files := map[string]string{
		"go.mod": "module example.com/kernel\n",
		"kernel/goruntime/bootstrap.go": `package goruntime

//go:redirect-from runtime.nanotime
func nanotime() int64 { return 0 }

// helper has no redirect
func helper() {}
`,
		"kernel/goruntime/bootstrap_test.go": `package goruntime

//go:redirect-from runtime.ignored
func ignored() {}
`,
		"kernel/kfmt/panic.go": `package kfmt

// Panic is redirected.
//
//go:redirect-from runtime.gopanic
func Panic(e interface{}) {}
`,
	}
	for name, contents := range files {
		path := filepath.Join(dir, name)
		if err = os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatal(err)
		}
		if err = ioutil.WriteFile(path, []byte(contents), 0644); err != nil {
			t.Fatal(err)
		}
	}

	redirects, err := scanRedirects(dir)
	if err != nil {
		t.Fatal(err)
	}

	exp := []redirect{
		{src: "runtime.gopanic", dst: "example.com/kernel/kernel/kfmt.Panic"},
		{src: "runtime.nanotime", dst: "example.com/kernel/kernel/goruntime.nanotime"},
	}
	if len(redirects) != len(exp) {
		t.Fatalf("expected %d redirects; got %d", len(exp), len(redirects))
	}
	for i, r := range redirects {
		if *r != exp[i] {
			t.Errorf("[redirect %d] expected %+v; got %+v", i, exp[i], *r)
		}
	}

	// malformed directive
	badFile := filepath.Join(dir, "kernel/kfmt/bad.go")
	if err = ioutil.WriteFile(badFile, []byte("package kfmt\n\n//go:redirect-from\nfunc bad() {}\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err = scanRedirects(dir); err == nil {
		t.Fatal("expected an error for a malformed go:redirect-from directive")
	}
}

func TestScanRedirectsKernelTree(t *testing.T) {
	redirects, err := scanRedirects("../..")
	if err != nil {
		t.Fatal(err)
	}

	exp := map[string]string{
		"runtime.gopanic":       "coopos/kernel/kfmt.Panic",
		"runtime.throw":         "coopos/kernel/kfmt.panicString",
		"runtime.sysReserve":    "coopos/kernel/goruntime.sysReserve",
		"runtime.sysMap":        "coopos/kernel/goruntime.sysMap",
		"runtime.sysAlloc":      "coopos/kernel/goruntime.sysAlloc",
		"runtime.sysFree":       "coopos/kernel/goruntime.sysFree",
		"runtime.nanotime":      "coopos/kernel/goruntime.nanotime",
		"runtime.getRandomData": "coopos/kernel/goruntime.getRandomData",
	}

	got := make(map[string]string, len(redirects))
	for _, r := range redirects {
		if _, dup := got[r.src]; dup {
			t.Errorf("runtime symbol %q is redirected more than once", r.src)
		}
		got[r.src] = r.dst
	}

	for src, dst := range exp {
		if got[src] != dst {
			t.Errorf("expected %q to be redirected to %q; got %q", src, dst, got[src])
		}
	}

	if len(got) != len(exp) {
		t.Errorf("expected %d redirects in the kernel tree; got %d (%v)", len(exp), len(got), got)
	}
}

func TestEncodeTable(t *testing.T) {
	redirects := []*redirect{
		{srcVMA: 0x1000, dstVMA: 0x2000},
		{srcVMA: 0xffff800000100000, dstVMA: 0x42},
	}

	exp := []byte{
		0x00, 0x10, 0, 0, 0, 0, 0, 0,
		0x00, 0x20, 0, 0, 0, 0, 0, 0,
		0x00, 0x00, 0x10, 0, 0, 0x80, 0xff, 0xff,
		0x42, 0, 0, 0, 0, 0, 0, 0,
	}

	if got := encodeTable(redirects); !bytes.Equal(got, exp) {
		t.Fatalf("expected table:\n% x\ngot:\n% x", exp, got)
	}
}

func TestPopulateTableErrors(t *testing.T) {
	dir, err := ioutil.TempDir("", "redirects")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	if err = populateTable(filepath.Join(dir, "missing.bin"), nil); err == nil {
		t.Error("expected an error for a missing image")
	}

	notELF := filepath.Join(dir, "kernel.bin")
	if err = ioutil.WriteFile(notELF, []byte("not an elf image"), 0644); err != nil {
		t.Fatal(err)
	}
	if err = populateTable(notELF, nil); err == nil {
		t.Error("expected an error for an image that is not an ELF file")
	}
}
