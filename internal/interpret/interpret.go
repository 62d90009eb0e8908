// Package interpret turns free-form requester text into a reservation action.
package interpret

import (
	"context"
	"log"
	"strings"
	"time"
	"unicode"
)

type Action string

const (
	ActionNone    Action = "none"
	ActionCommit  Action = "commit"
	ActionRelease Action = "release"
	ActionStatus  Action = "status"
)

func ParseAction(value string) Action {
	switch Action(strings.ToLower(strings.TrimSpace(value))) {
	case ActionCommit:
		return ActionCommit
	case ActionRelease:
		return ActionRelease
	case ActionStatus:
		return ActionStatus
	default:
		return ActionNone
	}
}

type Interpreter interface {
	Name() string
	Interpret(ctx context.Context, text string) (Action, error)
}

type Config struct {
	// Mode is "keyword" (default) or "openai".
	Mode    string
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// New builds the interpreter for cfg. The openai mode falls back to keywords when no
// key is configured or a call fails.
func New(cfg Config, logger *log.Logger) Interpreter {
	keywords := &KeywordInterpreter{}
	switch strings.ToLower(strings.TrimSpace(cfg.Mode)) {
	case "openai", "llm":
		if strings.TrimSpace(cfg.APIKey) == "" {
			return keywords
		}
		return NewOpenAIInterpreter(cfg, keywords, logger)
	default:
		return keywords
	}
}

// KeywordInterpreter matches a small vocabulary of command words.
type KeywordInterpreter struct{}

var keywordActions = map[string]Action{
	"commit":   ActionCommit,
	"buy":      ActionCommit,
	"purchase": ActionCommit,
	"checkout": ActionCommit,
	"release":  ActionRelease,
	"cancel":   ActionRelease,
	"drop":     ActionRelease,
	"stop":     ActionRelease,
	"status":   ActionStatus,
	"update":   ActionStatus,
}

func (k *KeywordInterpreter) Name() string {
	return "keyword"
}

// Interpret returns the action of the first command word in text. A message naming
// both a commit word and a release word is ambiguous and maps to none.
func (k *KeywordInterpreter) Interpret(_ context.Context, text string) (Action, error) {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r)
	})
	found := ActionNone
	for _, word := range words {
		action, ok := keywordActions[word]
		if !ok {
			continue
		}
		switch {
		case found == ActionNone:
			found = action
		case found == ActionStatus:
			found = action
		case action != ActionStatus && action != found:
			return ActionNone, nil
		}
	}
	return found, nil
}
