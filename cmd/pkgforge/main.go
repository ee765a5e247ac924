// Command pkgforge is the operator-facing CLI: verbs for inspecting the
// configuration, dry-running the invalidation planner, and standing up the
// catalog server on its own, independent of the full pkgforge-builder
// loop. The verb-dispatch shape follows cmd/distri/distri.go.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/distr1/pkgforge"
)

func funcmain() error {
	flag.Parse()

	type cmd struct {
		fn func(ctx context.Context, args []string) error
	}
	verbs := map[string]cmd{
		"plan":  {cmdplan},
		"serve": {cmdserve},
		"env":   {cmdenv},
	}

	args := flag.Args()
	verb := "plan"
	if len(args) > 0 {
		verb = args[0]
		args = args[1:]
	}
	c, ok := verbs[verb]
	if !ok {
		verbNames := make([]string, 0, len(verbs))
		for name := range verbs {
			verbNames = append(verbNames, name)
		}
		return fmt.Errorf("unknown verb %q; expected one of %v", verb, verbNames)
	}

	ctx, canc := pkgforge.InterruptibleContext()
	defer canc()
	return c.fn(ctx, args)
}

func main() {
	if err := funcmain(); err != nil {
		fmt.Fprintf(os.Stderr, "pkgforge: %v\n", err)
		os.Exit(1)
	}
}

func cmdenv(ctx context.Context, args []string) error {
	cfg := configFromFlags(args, "env")
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(cfg)
}
