// SPDX-License-Identifier: Apache-2.0
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/alecthomas/participle/v2"
	"github.com/fatih/color"
	"github.com/tliron/commonlog"

	"stabilizer/internal/ir"
	"stabilizer/internal/lower"
	"stabilizer/internal/passes"
	"stabilizer/internal/sir"
	"stabilizer/internal/stabilizer"
)

func main() {
	lowerIntrinsics := flag.Bool("lower-intrinsics", false, "lower builtin intrinsics to library calls")
	stabilize := flag.Bool("stabilize", false, "run the stabilizer transform")
	heap := flag.Bool("stabilize-heap", false, "enable heap randomization")
	stack := flag.Bool("stabilize-stack", false, "enable stack randomization")
	code := flag.Bool("stabilize-code", false, "enable code randomization")
	output := flag.String("o", "", "write the transformed module to a file instead of stdout")
	verbosity := flag.Int("v", 0, "log verbosity")
	flag.Parse()

	if flag.NArg() < 1 {
		fmt.Println("Usage: stabilize [flags] <file.sir>")
		flag.PrintDefaults()
		os.Exit(1)
	}

	commonlog.Configure(*verbosity, nil)

	path := flag.Arg(0)
	source, err := os.ReadFile(path)
	if err != nil {
		color.Red("Failed to read file: %s", err)
		os.Exit(1)
	}

	mod, err := sir.Parse(path, string(source))
	if err != nil {
		reportParseError(string(source), err)
		os.Exit(1)
	}

	registry := passes.NewRegistry()
	registry.Register(&lower.Lowering{})
	registry.Register(stabilizer.New(stabilizer.Options{
		Heap:  *heap,
		Stack: *stack,
		Code:  *code,
	}))

	pipeline := passes.NewPipeline()
	if *lowerIntrinsics {
		pass, _ := registry.Lookup("lower-intrinsics")
		pipeline.AddPass(pass)
	}
	if *stabilize || *heap || *stack || *code {
		pass, _ := registry.Lookup("stabilize")
		pipeline.AddPass(pass)
	}
	pipeline.Run(mod)

	text := ir.Print(mod)
	if *output != "" {
		if err := os.WriteFile(*output, []byte(text), 0o644); err != nil {
			color.Red("Failed to write output: %s", err)
			os.Exit(1)
		}
	} else {
		fmt.Print(text)
	}

	color.Green("✅ Successfully processed %s", path)
}

// reportParseError prints a friendly caret-style parse error message.
func reportParseError(src string, err error) {
	pe, ok := err.(participle.Error)
	if !ok {
		color.Red("Error: %s", err)
		return
	}

	pos := pe.Position()
	lines := strings.Split(src, "\n")
	if pos.Line <= 0 || pos.Line > len(lines) {
		color.Red("Syntax error at unknown location: %s", err)
		return
	}

	line := lines[pos.Line-1]
	caret := strings.Repeat(" ", pos.Column-1) + "^"

	color.Red("❌ Syntax error in %s at line %d, column %d:", pos.Filename, pos.Line, pos.Column)
	fmt.Println(line)
	color.HiRed(caret)
	fmt.Printf("→ %s\n", pe.Message())
}
