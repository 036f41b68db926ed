package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"agentgate/internal/infra/config"
	"agentgate/internal/usecase/agents"
)

// encrypt reads one secret from stdin and prints the value to paste into
// the config file.
func encrypt(stdin io.Reader, stdout io.Writer, passphrase string) error {
	if passphrase == "" {
		return errors.New("encrypt: AGENTGATE_CONFIG_KEY is not set")
	}
	line, err := bufio.NewReader(stdin).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("encrypt: read secret: %w", err)
	}
	secret := strings.TrimRight(line, "\r\n")
	if secret == "" {
		return errors.New("encrypt: empty secret")
	}
	enc, err := config.EncryptValue(secret, passphrase)
	if err != nil {
		return fmt.Errorf("encrypt: %w", err)
	}
	fmt.Fprintf(stdout, "enc:%s\n", enc)
	return nil
}

func listCatalog(stdout io.Writer) error {
	catalog, err := agents.Catalog()
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tMODEL\tTOOLS\tHANDOFFS\tSCHEMA")
	for _, d := range catalog {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\n", d.ID, d.Model,
			strings.Join(d.Tools, ","), strings.Join(d.Handoffs, ","), d.HasSchema())
	}
	return tw.Flush()
}
