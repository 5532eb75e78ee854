// Package passphrase resolves keystore passphrases for the command line
// tools, preferring an environment variable over an interactive prompt.
package passphrase

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// Source resolves a keystore passphrase exactly once and caches the result,
// so commands that open the keystore several times prompt at most once.
type Source struct {
	envVar string

	once  sync.Once
	value string
	err   error
}

// NewSource builds a source that consults envVar before prompting on the
// controlling terminal.
func NewSource(envVar string) *Source {
	return &Source{envVar: strings.TrimSpace(envVar)}
}

// Get returns the passphrase, resolving it on first use. Whitespace-only
// values are rejected so a keystore can never be encrypted with an
// effectively empty secret.
func (s *Source) Get() (string, error) {
	s.once.Do(func() { s.value, s.err = s.resolve(false) })
	return s.value, s.err
}

// GetConfirmed behaves like Get but prompts twice when reading from the
// terminal, so a typo cannot lock a freshly generated key behind an unknown
// passphrase. Environment-sourced values are taken as entered.
func (s *Source) GetConfirmed() (string, error) {
	s.once.Do(func() { s.value, s.err = s.resolve(true) })
	return s.value, s.err
}

func (s *Source) resolve(confirm bool) (string, error) {
	if s.envVar != "" {
		if value, ok := os.LookupEnv(s.envVar); ok {
			if strings.TrimSpace(value) == "" {
				return "", fmt.Errorf("%s is set but empty", s.envVar)
			}
			return value, nil
		}
	}

	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		if s.envVar != "" {
			return "", fmt.Errorf("keystore passphrase required; set %s or run interactively", s.envVar)
		}
		return "", errors.New("keystore passphrase required and no terminal available")
	}

	entered, err := prompt(fd, "Enter keystore passphrase: ")
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(entered) == "" {
		return "", errors.New("keystore passphrase cannot be empty")
	}
	if confirm {
		repeated, err := prompt(fd, "Confirm keystore passphrase: ")
		if err != nil {
			return "", err
		}
		if entered != repeated {
			return "", errors.New("passphrases do not match")
		}
	}
	return entered, nil
}

func prompt(fd int, label string) (string, error) {
	fmt.Fprint(os.Stderr, label)
	raw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read passphrase: %w", err)
	}
	return string(raw), nil
}
