// Copyright 2024 Richard Kelsey. All rights reserved.
// See file LICENSE for notices and license.

// Printing methods, one instruction per line.  Operands show their
// assigned locations once there are any.
//
//  method fact
//  loop: (next loop exit) depth 1 freq 10
//     12  mul (out acc:DX) (in acc:DX) (in n:CX)
//         move CX -> s0 n

package lir

import (
	"fmt"
	"io"
	"os"
	"strings"
)

func PrintMethod(method *MethodT, target *TargetT) {
	WriteMethod(os.Stdout, method, target)
}

func WriteMethod(out io.Writer, method *MethodT, target *TargetT) {
	writer := MakeColumnWriter(out)
	fmt.Fprintf(writer, "method %s", method.Name)
	writer.Newline()
	for _, block := range method.Blocks {
		writeBlock(writer, method, block, target)
	}
}

func writeBlock(writer *ColumnWriterT, method *MethodT, block *BlockT, target *TargetT) {
	fmt.Fprintf(writer, "%s:", block.Name)
	if len(block.Next) != 0 {
		names := make([]string, len(block.Next))
		for i, next := range block.Next {
			names[i] = next.Name
		}
		fmt.Fprintf(writer, " (next %s)", strings.Join(names, " "))
	}
	if block.LoopDepth != 0 {
		fmt.Fprintf(writer, " depth %d", block.LoopDepth)
	}
	if block.Frequency != 0 {
		fmt.Fprintf(writer, " freq %g", block.Frequency)
	}
	writer.Newline()
	for _, instr := range block.Instructions {
		if instr.Inserted == NotInserted {
			writer.IndentTo(8 - len(fmt.Sprint(instr.Id)))
			fmt.Fprintf(writer, "%d", instr.Id)
		}
		writer.IndentTo(10)
		writer.WriteString(FormatInstruction(method, instr, target))
		writer.Newline()
	}
}

func FormatInstruction(method *MethodT, instr *InstructionT, target *TargetT) string {
	varName := func(v int) string {
		if method != nil && 0 <= v && v < len(method.Vars) {
			return method.Vars[v].Name
		}
		return fmt.Sprintf("v%d", v)
	}
	var builder strings.Builder
	switch instr.Inserted {
	case InsertedMove, InsertedSpill:
		fmt.Fprintf(&builder, "%s %s -> %s %s",
			instr.Op, instr.Source.Format(target), instr.Dest.Format(target), varName(instr.Var))
		return builder.String()
	case InsertedLoadConstant:
		fmt.Fprintf(&builder, "%s %d -> %s %s",
			instr.Op, instr.Constant, instr.Dest.Format(target), varName(instr.Var))
		return builder.String()
	}
	builder.WriteString(instr.Op)
	if instr.Callee != "" {
		builder.WriteString(" " + instr.Callee)
	}
	for _, operand := range instr.Operands {
		fmt.Fprintf(&builder, " (%s %s", operand.Role, varName(operand.Var))
		if operand.Location.IsAssigned() {
			fmt.Fprintf(&builder, ":%s", operand.Location.Format(target))
		}
		if operand.Flags&StackOK != 0 {
			builder.WriteString(" stack")
		}
		builder.WriteString(")")
	}
	if instr.Op == "const" {
		fmt.Fprintf(&builder, " %d", instr.Constant)
	}
	return builder.String()
}

//----------------------------------------------------------------
// A writer that keeps track of the current column.

type ColumnWriterT struct {
	writer io.Writer
	Column int
}

func MakeColumnWriter(writer io.Writer) *ColumnWriterT {
	return &ColumnWriterT{writer: writer, Column: 0}
}

func (writer *ColumnWriterT) Write(p []byte) (n int, err error) {
	for _, b := range p {
		if b == '\n' {
			writer.Column = 0
		} else {
			writer.Column += 1
		}
	}
	return writer.writer.Write(p)
}

func (writer *ColumnWriterT) WriteString(s string) {
	writer.Write([]byte(s))
}

func (writer *ColumnWriterT) Newline() {
	writer.Column = 0
	writer.writer.Write([]byte("\n"))
}

func (writer *ColumnWriterT) IndentTo(column int) {
	if writer.Column == column {
		return
	}
	count := column
	if writer.Column < column {
		count -= writer.Column
	} else {
		writer.Newline()
	}
	writer.writer.Write([]byte(strings.Repeat(" ", count)))
	writer.Column += count
}
