// Command gengate generates the interrupt entry stubs used by kernel/gate.
//
// Each stub pushes a placeholder error code (unless the CPU already pushed
// one) and its vector number and then jumps to a common routine that saves
// the general purpose registers, calls the Go dispatcher and returns with
// IRETQ.
package main

import (
	"bytes"
	"flag"
	"fmt"
	"io/ioutil"
	"os"
	"text/template"
)

// errorCodeVectors lists the exceptions for which the CPU pushes an error
// code before invoking the handler.
var errorCodeVectors = map[int]bool{
	8:  true,
	10: true,
	11: true,
	12: true,
	13: true,
	14: true,
	17: true,
	21: true,
	29: true,
	30: true,
}

type stub struct {
	Vector       int
	HasErrorCode bool
}

var stubTemplate = template.Must(template.New("gate").Funcs(template.FuncMap{
	"mul8": func(v int) int { return v * 8 },
}).Parse(`// Code generated by gengate; DO NOT EDIT.

#include "textflag.h"
{{range .}}
TEXT ·gateEntry{{.Vector}}(SB),NOSPLIT,$0
{{- if not .HasErrorCode}}
	PUSHQ $0
{{- end}}
	PUSHQ ${{.Vector}}
	JMP gateCommon<>(SB)
{{end}}
// gateCommon completes the Registers frame, invokes dispatchInterrupt and
// restores the interrupted context.
TEXT gateCommon<>(SB),NOSPLIT,$0
	SUBQ $120, SP
	MOVQ AX, 0(SP)
	MOVQ BX, 8(SP)
	MOVQ CX, 16(SP)
	MOVQ DX, 24(SP)
	MOVQ SI, 32(SP)
	MOVQ DI, 40(SP)
	MOVQ BP, 48(SP)
	MOVQ R8, 56(SP)
	MOVQ R9, 64(SP)
	MOVQ R10, 72(SP)
	MOVQ R11, 80(SP)
	MOVQ R12, 88(SP)
	MOVQ R13, 96(SP)
	MOVQ R14, 104(SP)
	MOVQ R15, 112(SP)
	CLD

	MOVQ SP, AX
	SUBQ $8, SP
	MOVQ AX, 0(SP)
	CALL ·dispatchInterrupt(SB)
	ADDQ $8, SP

	MOVQ 0(SP), AX
	MOVQ 8(SP), BX
	MOVQ 16(SP), CX
	MOVQ 24(SP), DX
	MOVQ 32(SP), SI
	MOVQ 40(SP), DI
	MOVQ 48(SP), BP
	MOVQ 56(SP), R8
	MOVQ 64(SP), R9
	MOVQ 72(SP), R10
	MOVQ 80(SP), R11
	MOVQ 88(SP), R12
	MOVQ 96(SP), R13
	MOVQ 104(SP), R14
	MOVQ 112(SP), R15

	// Drop the saved registers plus the vector and error code slots
	ADDQ $136, SP
	IRETQ

TEXT ·gateEntryTable(SB),NOSPLIT,$0-8
	MOVQ $gateEntryAddrs<>(SB), AX
	MOVQ AX, ret+0(FP)
	RET
{{range .}}
DATA gateEntryAddrs<>+{{mul8 .Vector}}(SB)/8, $·gateEntry{{.Vector}}(SB)
{{- end}}
GLOBL gateEntryAddrs<>(SB), RODATA, $2048
`))

func exit(err error) {
	fmt.Fprintf(os.Stderr, "[gengate] error: %s\n", err.Error())
	os.Exit(1)
}

func generate() ([]byte, error) {
	stubs := make([]stub, 256)
	for i := range stubs {
		stubs[i] = stub{Vector: i, HasErrorCode: errorCodeVectors[i]}
	}

	var buf bytes.Buffer
	if err := stubTemplate.Execute(&buf, stubs); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func main() {
	out := flag.String("out", "gate_amd64.s", "output file")
	flag.Parse()

	src, err := generate()
	if err != nil {
		exit(err)
	}

	if err = ioutil.WriteFile(*out, src, 0644); err != nil {
		exit(err)
	}
}
