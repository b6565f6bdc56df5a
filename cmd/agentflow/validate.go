package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/BaSui01/agentflow-core"
)

// validateCommand 解析并编译工作流文件，不执行任何节点
func validateCommand(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitUsage
	}
	if fs.NArg() == 0 {
		fmt.Fprintln(stderr, "Error: validate requires at least one workflow file")
		return exitUsage
	}

	engine := agentflow.New()
	code := exitOK
	for _, path := range fs.Args() {
		wf, err := engine.Load(path)
		if err != nil {
			fmt.Fprintf(stderr, "%s: %v\n", path, err)
			code = exitUsage
			continue
		}
		fmt.Fprintf(stdout, "%s: ok (workflow %q, %d nodes, order %s)\n",
			path, wf.Flow.Name(), wf.Flow.Len(), strings.Join(wf.Flow.Order(), " -> "))
	}
	return code
}
