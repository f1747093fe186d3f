// Command docpipe converts documents to Markdown page by page with vision LLMs.
package main

import (
	"os"

	"github.com/spherical-ai/docpipe/cmd/docpipe/commands"
	"github.com/spherical-ai/docpipe/cmd/docpipe/ui"
)

func main() {
	if err := commands.Execute(); err != nil {
		ui.Error("%v", err)
		os.Exit(1)
	}
}
