// Command agentgate serves the multi-agent chat gateway.
package main

import (
	"fmt"
	"io"
	"os"
	"strings"
)

const usage = `agentgate - multi-agent chat gateway

USAGE:
    agentgate [COMMAND] [FLAGS]

COMMANDS:
    serve       Run the gateway (default)
    encrypt     Read a secret from stdin and print its enc: form
    agents      List the built-in agent catalog

FLAGS:
    -h, --help         Show this help message
    --config PATH      Config file path (default: ./agentgate.yaml)

ENVIRONMENT:
    AGENTGATE_CONFIG       Config file path when --config is absent
    AGENTGATE_CONFIG_KEY   Passphrase for enc: secrets
    AGENTGATE_*            Override individual config fields
`

func main() {
	if err := dispatch(os.Args[1:], os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "agentgate: %v\n", err)
		os.Exit(1)
	}
}

func dispatch(args []string, stdin io.Reader, stdout io.Writer) error {
	cmd := "serve"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd, args = args[0], args[1:]
	}
	for _, a := range args {
		if a == "-h" || a == "--help" {
			fmt.Fprint(stdout, usage)
			return nil
		}
	}

	switch cmd {
	case "serve":
		return serve(configPath(args))
	case "encrypt":
		return encrypt(stdin, stdout, os.Getenv("AGENTGATE_CONFIG_KEY"))
	case "agents":
		return listCatalog(stdout)
	case "help":
		fmt.Fprint(stdout, usage)
		return nil
	default:
		return fmt.Errorf("unknown command %q; run 'agentgate --help'", cmd)
	}
}

func configPath(args []string) string {
	for i, arg := range args {
		if arg == "--config" && i+1 < len(args) {
			return args[i+1]
		}
		if v, ok := strings.CutPrefix(arg, "--config="); ok {
			return v
		}
	}
	if p := os.Getenv("AGENTGATE_CONFIG"); p != "" {
		return p
	}
	return "agentgate.yaml"
}
