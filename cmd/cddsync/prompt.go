package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// errNotInteractive is returned when a prompt is needed but stdin is not a
// terminal.
var errNotInteractive = errors.New("stdin is not a terminal")

func stdinIsTerminal() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

func promptToken(prompt string) (string, error) {
	if !stdinIsTerminal() {
		return "", fmt.Errorf("%w: set CDDSYNC_TOKEN or pass --token", errNotInteractive)
	}

	fmt.Fprint(os.Stderr, prompt)

	// Read token without echo
	token, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)

	if err != nil {
		return "", err
	}
	return string(token), nil
}

// terminalConfirmer lists prune candidates and asks once for all of them.
type terminalConfirmer struct {
	in  io.Reader
	out io.Writer
}

func newTerminalConfirmer() *terminalConfirmer {
	return &terminalConfirmer{in: os.Stdin, out: os.Stderr}
}

func (c *terminalConfirmer) Confirm(ctx context.Context, candidates []string) (bool, error) {
	fmt.Fprintf(c.out, "\nThe following %d run directories are no longer in scope:\n", len(candidates))
	for _, path := range candidates {
		fmt.Fprintf(c.out, "  %s\n", path)
	}
	fmt.Fprint(c.out, "Delete them? [y/N]: ")

	answer := make(chan string, 1)
	go func() {
		line, _ := bufio.NewReader(c.in).ReadString('\n')
		answer <- line
	}()

	select {
	case line := <-answer:
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			return true, nil
		default:
			return false, nil
		}
	case <-ctx.Done():
		fmt.Fprintln(c.out)
		return false, ctx.Err()
	}
}
