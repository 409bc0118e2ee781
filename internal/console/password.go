package console

import (
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/term"
)

var ErrNoTerminal = errors.New("no terminal available for password prompt")

// ReadPassword prompts on w and reads a password from stdin with echo off.
func ReadPassword(w io.Writer) (string, error) {
	if !IsInteractive() {
		return "", ErrNoTerminal
	}
	fd := int(os.Stdin.Fd())
	fmt.Fprint(w, "Password: ")
	pw, err := term.ReadPassword(fd)
	fmt.Fprintln(w)
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return string(pw), nil
}

// IsInteractive reports whether stdin is a terminal.
func IsInteractive() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}
