package cli

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// promptProxyPassword reads the proxy password from the terminal without echo.
func promptProxyPassword(user, host string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("proxy password required but stdin is not a terminal")
	}

	fmt.Fprintf(os.Stderr, "Proxy password for %s@%s: ", user, host)
	password, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read proxy password: %w", err)
	}
	return string(password), nil
}

// prompter reads line-oriented answers for interactive setup.
type prompter struct {
	in  *bufio.Reader
	out io.Writer
}

func newPrompter(in io.Reader, out io.Writer) *prompter {
	return &prompter{in: bufio.NewReader(in), out: out}
}

// ask prints label with its default and returns the trimmed answer, or def
// when the answer is empty.
func (p *prompter) ask(label, def string) string {
	if def != "" {
		fmt.Fprintf(p.out, "%s [%s]: ", label, def)
	} else {
		fmt.Fprintf(p.out, "%s: ", label)
	}
	input, _ := p.in.ReadString('\n')
	input = strings.TrimSpace(input)
	if input == "" {
		return def
	}
	return input
}

// confirm asks a yes/no question defaulting to no.
func (p *prompter) confirm(label string) bool {
	answer := strings.ToLower(p.ask(label+" [y/N]", ""))
	return answer == "y" || answer == "yes"
}
