// ABOUTME: Minimal flag parsing for subcommands
// ABOUTME: Accepts "--name value" and "--name=value" for a fixed set of names

package main

import (
	"fmt"
	"strings"
)

type parsedFlags struct {
	values     map[string]string
	positional []string
}

// parseFlags reads the named flags from args. Anything that is not a known
// flag and does not start with "-" is returned as positional.
func parseFlags(args []string, names ...string) (parsedFlags, error) {
	known := make(map[string]bool, len(names))
	for _, n := range names {
		known[n] = true
	}

	out := parsedFlags{values: make(map[string]string)}
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if !strings.HasPrefix(arg, "-") {
			out.positional = append(out.positional, arg)
			continue
		}

		name, value, hasValue := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		if !known[name] {
			return parsedFlags{}, fmt.Errorf("unknown flag: %s", arg)
		}
		if !hasValue {
			if i+1 >= len(args) {
				return parsedFlags{}, fmt.Errorf("--%s requires a value", name)
			}
			value = args[i+1]
			i++
		}
		out.values[name] = strings.TrimSpace(value)
	}
	return out, nil
}
