package sodar

import (
	"context"
	"sync"

	"gitlab.com/tozd/go/errors"

	"github.com/mkuhring/lzsync/internal/console"
)

// AuthStrategy supplies the bearer token for zone service calls. The
// client invalidates the strategy between retry attempts when the
// server rejects the credential, so an implementation may re-acquire.
type AuthStrategy interface {
	Token(ctx context.Context) (string, error)
	// Invalidate marks the current token as rejected.
	Invalidate()
}

// StaticToken uses one cached token and cannot re-acquire it.
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) {
	if t == "" {
		return "", errors.New("no API token configured")
	}
	return string(t), nil
}

func (StaticToken) Invalidate() {}

// PromptAuth caches a token and asks the user for a fresh one after an
// invalidation. All prompting goes through the console package; the
// client itself never touches the terminal.
type PromptAuth struct {
	prompter console.Prompter

	mu    sync.Mutex
	token string
}

// NewPromptAuth creates a PromptAuth seeded with an optional token.
func NewPromptAuth(prompter console.Prompter, initial string) *PromptAuth {
	return &PromptAuth{prompter: prompter, token: initial}
}

func (a *PromptAuth) Token(context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.token != "" {
		return a.token, nil
	}
	token, err := a.prompter.Secret("Enter zone service API token ->")
	if err != nil {
		return "", errors.Errorf("acquire token: %w", err)
	}
	a.token = token
	return token, nil
}

func (a *PromptAuth) Invalidate() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.token = ""
}

// FailFast refuses to authenticate; useful for operations that must not
// block and for tests of the unauthenticated path.
type FailFast struct{}

func (FailFast) Token(context.Context) (string, error) {
	return "", errors.New("authentication unavailable in fail-fast mode")
}

func (FailFast) Invalidate() {}
