package oracle

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/pkg/errors"
)

const (
	defaultPollIntervalMs = 1000
	replyListLimit        = 20
)

// OpenAIConfig selects the assistant persona and API endpoint.
type OpenAIConfig struct {
	APIKey         string
	AssistantID    string
	BaseURL        string
	PollIntervalMs int
}

// Assistants drives OpenAI assistant threads: one thread per session, one
// run per user turn.
type Assistants struct {
	client       openai.Client
	assistantID  string
	pollInterval int
}

// NewAssistants builds an OpenAI-backed oracle.
func NewAssistants(cfg OpenAIConfig, opts ...option.RequestOption) (*Assistants, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai api key is required")
	}
	if cfg.AssistantID == "" {
		return nil, errors.New("assistant id is required")
	}

	// One request per call: failures surface as ErrOracle without SDK retries.
	reqOpts := []option.RequestOption{option.WithAPIKey(cfg.APIKey), option.WithMaxRetries(0)}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}
	reqOpts = append(reqOpts, opts...)

	poll := cfg.PollIntervalMs
	if poll <= 0 {
		poll = defaultPollIntervalMs
	}

	return &Assistants{
		client:       openai.NewClient(reqOpts...),
		assistantID:  cfg.AssistantID,
		pollInterval: poll,
	}, nil
}

// NewThread creates an empty assistant thread.
func (a *Assistants) NewThread(ctx context.Context) (string, error) {
	thread, err := a.client.Beta.Threads.New(ctx, openai.BetaThreadNewParams{})
	if err != nil {
		return "", errors.Wrapf(ErrOracle, "create thread: %v", err)
	}
	return thread.ID, nil
}

// Reply posts the user message with the phase context, runs the assistant
// and returns the newest assistant text of that run.
func (a *Assistants) Reply(ctx context.Context, req Request) (string, error) {
	_, err := a.client.Beta.Threads.Messages.New(ctx, req.ThreadRef, openai.BetaThreadMessageNewParams{
		Role: openai.BetaThreadMessageNewParamsRoleUser,
		Content: openai.BetaThreadMessageNewParamsContentUnion{
			OfString: openai.String(BuildPrompt(req)),
		},
	})
	if err != nil {
		return "", errors.Wrapf(ErrOracle, "post message: %v", err)
	}

	run, err := a.client.Beta.Threads.Runs.New(ctx, req.ThreadRef, openai.BetaThreadRunNewParams{
		AssistantID: a.assistantID,
	})
	if err != nil {
		return "", errors.Wrapf(ErrOracle, "run assistant: %v", err)
	}
	run, err = a.waitForRun(ctx, req.ThreadRef, run)
	if err != nil {
		return "", err
	}
	if run.Status != openai.RunStatusCompleted {
		return "", errors.Wrapf(ErrOracle, "run %s ended with status %s", run.ID, run.Status)
	}

	page, err := a.client.Beta.Threads.Messages.List(ctx, req.ThreadRef, openai.BetaThreadMessageListParams{
		RunID: openai.String(run.ID),
		Order: openai.BetaThreadMessageListParamsOrderDesc,
		Limit: openai.Int(replyListLimit),
	})
	if err != nil {
		return "", errors.Wrapf(ErrOracle, "list messages: %v", err)
	}

	for _, msg := range page.Data {
		if msg.Role != openai.MessageRoleAssistant {
			continue
		}
		for _, content := range msg.Content {
			if content.Type == "text" && strings.TrimSpace(content.Text.Value) != "" {
				return content.Text.Value, nil
			}
		}
	}
	return "", errors.Wrap(ErrOracle, "assistant returned no text")
}

// waitForRun polls the run every pollInterval milliseconds until it reaches
// a terminal status or ctx ends.
func (a *Assistants) waitForRun(ctx context.Context, threadRef string, run *openai.Run) (*openai.Run, error) {
	ticker := time.NewTicker(time.Duration(a.pollInterval) * time.Millisecond)
	defer ticker.Stop()

	for !runFinished(run.Status) {
		select {
		case <-ctx.Done():
			return nil, errors.Wrapf(ErrOracle, "wait for run %s: %v", run.ID, ctx.Err())
		case <-ticker.C:
		}
		next, err := a.client.Beta.Threads.Runs.Get(ctx, threadRef, run.ID)
		if err != nil {
			return nil, errors.Wrapf(ErrOracle, "poll run %s: %v", run.ID, err)
		}
		run = next
	}
	return run, nil
}

func runFinished(status openai.RunStatus) bool {
	switch status {
	case openai.RunStatusCompleted, openai.RunStatusFailed, openai.RunStatusCancelled,
		openai.RunStatusExpired, openai.RunStatusIncomplete, openai.RunStatusRequiresAction:
		return true
	}
	return false
}

// BuildPrompt prefixes the user message with the coaching context the
// assistant persona expects.
func BuildPrompt(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "KONTEXT: Du bist ein Ruhestandscoach. Aktuelle Phase: %d/5", req.Phase)
	if req.PhaseName != "" {
		fmt.Fprintf(&b, " (%s)", req.PhaseName)
	}
	b.WriteString(".\nFühre systematisch durch das 8-Aufträge-System. Verwende Du-Form und Guillemets « ».\n")
	if req.Phase <= 1 {
		b.WriteString("Beginne mit Lernstil-Abfrage bei neuen Sessions.\n")
	}
	b.WriteString("\nUSER: ")
	b.WriteString(req.Message)
	return b.String()
}
