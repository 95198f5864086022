package token

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// Source lazily resolves an API token from an environment variable or by
// prompting the operator. The value is cached after the first successful
// retrieval.
type Source struct {
	envVar string
	prompt io.Writer

	once  sync.Once
	value string
	err   error
}

// NewSource constructs a token source that checks envVar before prompting on
// the terminal. Prompts are written to prompt, or stderr when nil.
func NewSource(envVar string, prompt io.Writer) *Source {
	if prompt == nil {
		prompt = os.Stderr
	}
	return &Source{envVar: strings.TrimSpace(envVar), prompt: prompt}
}

// Get returns the cached token or resolves it on first use. Input typed at
// the prompt is not echoed.
func (s *Source) Get() (string, error) {
	s.once.Do(func() {
		if s.envVar != "" {
			if value, ok := os.LookupEnv(s.envVar); ok {
				if strings.TrimSpace(value) == "" {
					s.err = fmt.Errorf("%s is set but empty", s.envVar)
					return
				}
				s.value = strings.TrimSpace(value)
				return
			}
		}

		fd := int(os.Stdin.Fd())
		if !term.IsTerminal(fd) {
			if s.envVar != "" {
				s.err = fmt.Errorf("api token required; set %s or run interactively", s.envVar)
			} else {
				s.err = errors.New("api token required and no terminal available")
			}
			return
		}

		fmt.Fprint(s.prompt, "API token: ")
		raw, err := term.ReadPassword(fd)
		fmt.Fprintln(s.prompt)
		if err != nil {
			s.err = fmt.Errorf("read token: %w", err)
			return
		}
		value := strings.TrimSpace(string(raw))
		if value == "" {
			s.err = errors.New("api token cannot be empty")
			return
		}
		s.value = value
	})
	return s.value, s.err
}
