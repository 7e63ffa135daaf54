// Package assistantsvc implements the tutor.Assistant providers.
package assistantsvc

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/tutora/tutora/core"
	"github.com/tutora/tutora/core/tutor"
)

const (
	ProviderCanned = "canned"
	ProviderGemini = "gemini"
)

// Canned answers deterministically from the prompt, for development and tests.
// Questions containing FailOn, when set, return an error.
type Canned struct {
	FailOn string
}

var _ tutor.Assistant = Canned{}

func (c Canned) Reply(ctx context.Context, p tutor.Prompt) (tutor.Reply, error) {
	if err := ctx.Err(); err != nil {
		return tutor.Reply{}, err
	}
	if c.FailOn != "" && strings.Contains(strings.ToLower(p.Question), strings.ToLower(c.FailOn)) {
		return tutor.Reply{}, errors.New("canned assistant failure")
	}
	text := fmt.Sprintf("Let's work through it step by step: %s (%d earlier messages)", p.Question, len(p.History))
	return tutor.Reply{Text: text, Tokens: len(strings.Fields(p.System)) + len(strings.Fields(text))}, nil
}

// New returns the assistant of the configured provider.
func New(ctx context.Context, conf *core.Config) (tutor.Assistant, error) {
	switch conf.Tutor.Provider {
	case ProviderGemini:
		return NewGemini(ctx, conf.Tutor.ApiKey, conf.Tutor.Model)
	case ProviderCanned:
		return Canned{}, nil
	}
	return nil, errors.Errorf("unknown tutor provider %q", conf.Tutor.Provider)
}
