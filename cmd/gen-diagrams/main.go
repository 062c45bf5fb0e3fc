// gen-diagrams generates state machine diagrams for README documentation.
// Run: go run ./cmd/gen-diagrams
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rendis/quill/internal/diagram"
)

func main() {
	g := diagram.BuildStateGraph("quill workflow state machine")

	outDir := filepath.Join("docs", "assets")
	os.MkdirAll(outDir, 0o755)

	ascii := diagram.RenderASCII(g)
	os.WriteFile(filepath.Join(outDir, "fsm-ascii.txt"), []byte(ascii), 0o644)
	fmt.Println("=== ASCII ===")
	fmt.Println(ascii)

	mermaid := diagram.RenderMermaid(g)
	os.WriteFile(filepath.Join(outDir, "fsm-mermaid.md"), []byte("```mermaid\n"+mermaid+"```\n"), 0o644)
	fmt.Println("=== Mermaid ===")
	fmt.Println(mermaid)

	dot := diagram.RenderDOT(g)
	os.WriteFile(filepath.Join(outDir, "fsm.dot"), []byte(dot), 0o644)
	fmt.Println("=== Graphviz ===")
	fmt.Println(dot)

	png, err := diagram.RenderPNG(context.Background(), g)
	if err != nil {
		fmt.Fprintln(os.Stderr, "render PNG:", err)
		os.Exit(1)
	}
	out := filepath.Join(outDir, "fsm.png")
	os.WriteFile(out, png, 0o644)
	fmt.Println("wrote", out)
}
