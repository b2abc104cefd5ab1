// Package console isolates terminal interaction so the core packages
// never block on stdin themselves.
package console

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"gitlab.com/tozd/go/errors"
)

// ErrCanceled is returned when the user declines to continue.
var ErrCanceled = errors.Base("canceled by user")

// Prompter asks the user for decisions. Implementations must be safe to
// call from a single goroutine at a time.
type Prompter interface {
	// Confirm asks a yes/no question; the default answer is no.
	Confirm(question string) bool
	// Choose presents numbered options and returns the chosen index.
	Choose(question string, options []string) (int, error)
	// Secret reads a hidden value such as a password or token.
	Secret(prompt string) (string, error)
}

// Terminal is a Prompter backed by an input reader and output writer,
// normally stdin/stderr.
type Terminal struct {
	in  *bufio.Reader
	out io.Writer
}

// NewTerminal creates a Terminal prompter.
func NewTerminal(in io.Reader, out io.Writer) *Terminal {
	return &Terminal{in: bufio.NewReader(in), out: out}
}

func (t *Terminal) readLine() (string, error) {
	line, err := t.in.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// Confirm implements Prompter.
func (t *Terminal) Confirm(question string) bool {
	fmt.Fprintf(t.out, "%s [y/N] ", question)
	line, err := t.readLine()
	if err != nil {
		return false
	}
	return strings.HasPrefix(strings.ToLower(line), "y")
}

// Choose implements Prompter.
func (t *Terminal) Choose(question string, options []string) (int, error) {
	fmt.Fprintln(t.out, question)
	for i, opt := range options {
		fmt.Fprintf(t.out, "%d) %s\n", i+1, opt)
	}
	for {
		fmt.Fprint(t.out, "Select by number: ")
		line, err := t.readLine()
		if err != nil {
			return 0, errors.Errorf("read selection: %w", err)
		}
		n, err := strconv.Atoi(line)
		if err == nil && n >= 1 && n <= len(options) {
			return n - 1, nil
		}
	}
}

// Secret implements Prompter. Input echo is not suppressed; tokens are
// expected to come from configuration in non-interactive use.
func (t *Terminal) Secret(prompt string) (string, error) {
	fmt.Fprintf(t.out, "%s ", prompt)
	line, err := t.readLine()
	if err != nil {
		return "", errors.Errorf("read secret: %w", err)
	}
	return line, nil
}

// AutoConfirm answers yes to every question and always picks the last
// option. It backs the --yes flag.
type AutoConfirm struct{}

func (AutoConfirm) Confirm(string) bool { return true }

func (AutoConfirm) Choose(_ string, options []string) (int, error) {
	if len(options) == 0 {
		return 0, errors.New("no options to choose from")
	}
	return len(options) - 1, nil
}

func (AutoConfirm) Secret(string) (string, error) {
	return "", errors.New("cannot prompt for secrets with --yes")
}
