// Package coach answers audience questions in a creator's own voice. Each
// question is grounded in the creator's knowledge base: the top chunks are
// retrieved, formatted as numbered context blocks, fitted into the model's
// context window together with recent conversation turns and sent to an
// eino chat model.
package coach

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cloudwego/eino/callbacks"
	"github.com/cloudwego/eino/components"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/54b3r/coachkb/internal/budget"
	"github.com/54b3r/coachkb/internal/ingestion"
	"github.com/54b3r/coachkb/internal/logging"
	"github.com/54b3r/coachkb/internal/rag"
	"github.com/54b3r/coachkb/internal/store"
)

// ErrEmptyQuestion is returned when Ask receives a blank question.
var ErrEmptyQuestion = errors.New("coach: question must not be empty")

const (
	defaultContextChunks = 5
	defaultHistoryDepth  = 5
	defaultSession       = "default"
)

// Searcher is the slice of knowledge.Service the coach depends on.
type Searcher interface {
	SearchKnowledge(ctx context.Context, creatorID, query string, k int) ([]rag.SearchResult, error)
}

// Reference is one piece of creator content an answer drew on.
type Reference struct {
	ContentType rag.ChunkType `json:"content_type"`
	PostID      string        `json:"post_id,omitempty"`
	PostDate    string        `json:"post_date,omitempty"`
	Likes       int           `json:"likes"`
	Comments    int           `json:"comments"`
	MediaURL    string        `json:"media_url,omitempty"`
	Topic       string        `json:"topic,omitempty"`
	Framework   string        `json:"framework,omitempty"`
	Similarity  float64       `json:"similarity_score"`
	Excerpt     string        `json:"excerpt"`
}

// Answer is the coach's reply plus the sources behind it.
type Answer struct {
	Answer         string      `json:"answer"`
	References     []Reference `json:"references"`
	ContextUsed    int         `json:"context_used"`
	CoachName      string      `json:"coach_name"`
	ExpertiseAreas []string    `json:"expertise_areas"`
}

// Config holds the dependencies required to construct a Coach.
type Config struct {
	// ChatModel is the LLM backend constructed by the provider factory.
	ChatModel model.BaseChatModel

	// Knowledge retrieves context chunks for a question.
	Knowledge Searcher

	// CreatorID selects the knowledge base to search.
	CreatorID string

	// Profile supplies the persona. Its SystemPrompt is used verbatim when set.
	Profile *ingestion.CoachProfile

	// History is the optional conversation store. If nil, each question is
	// answered without prior turns.
	History store.ConversationStore

	// HistoryDepth is the number of prior question/answer pairs replayed per
	// question. Defaults to 5 if zero.
	HistoryDepth int

	// MaxContextTokens is the token budget for the full prompt. Context
	// blocks are dropped lowest-ranked first, then history oldest-first.
	// Defaults to budget.DefaultMaxContextTokens if zero.
	MaxContextTokens int

	// Counter counts prompt tokens. Defaults to budget.Heuristic.
	Counter budget.Counter

	// Handlers are extra eino callback handlers, e.g. Langfuse tracing.
	Handlers []callbacks.Handler
}

// Coach answers questions for a single creator.
type Coach struct {
	chat         model.BaseChatModel
	knowledge    Searcher
	creatorID    string
	profile      *ingestion.CoachProfile
	systemPrompt string
	history      store.ConversationStore
	historyDepth int
	maxTokens    int
	counter      budget.Counter
	handlers     []callbacks.Handler
}

// New constructs a Coach from the provided Config.
func New(cfg *Config) (*Coach, error) {
	switch {
	case cfg.ChatModel == nil:
		return nil, fmt.Errorf("coach: ChatModel must not be nil")
	case cfg.Knowledge == nil:
		return nil, fmt.Errorf("coach: Knowledge must not be nil")
	case cfg.Profile == nil:
		return nil, fmt.Errorf("coach: Profile must not be nil")
	case cfg.CreatorID == "":
		return nil, fmt.Errorf("coach: CreatorID must not be empty")
	}

	c := &Coach{
		chat:         cfg.ChatModel,
		knowledge:    cfg.Knowledge,
		creatorID:    cfg.CreatorID,
		profile:      cfg.Profile,
		systemPrompt: systemPromptFor(cfg.Profile),
		history:      cfg.History,
		historyDepth: cfg.HistoryDepth,
		maxTokens:    cfg.MaxContextTokens,
		counter:      cfg.Counter,
		handlers:     cfg.Handlers,
	}
	if c.historyDepth <= 0 {
		c.historyDepth = defaultHistoryDepth
	}
	if c.maxTokens <= 0 {
		c.maxTokens = budget.DefaultMaxContextTokens
	}
	if c.counter == nil {
		c.counter = budget.Heuristic
	}
	return c, nil
}

// Name is the coach's display name.
func (c *Coach) Name() string {
	if c.profile.CreatorUsername != "" {
		return c.profile.CreatorUsername
	}
	return "creator_" + c.creatorID
}

// AskOption customises a single Ask call.
type AskOption func(*askOptions)

type askOptions struct {
	session string
}

// WithSession threads the question into a named conversation so earlier
// turns are replayed. The default session is shared per creator.
func WithSession(id string) AskOption {
	return func(o *askOptions) {
		if id != "" {
			o.session = id
		}
	}
}

// Ask retrieves up to k context chunks (5 if k <= 0) for question and
// generates an answer in the coach's voice. A retrieval or generation failure
// is returned as an error; history persistence failures are only logged.
func (c *Coach) Ask(ctx context.Context, question string, k int, opts ...AskOption) (*Answer, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, ErrEmptyQuestion
	}
	if k <= 0 {
		k = defaultContextChunks
	}
	o := askOptions{session: defaultSession}
	for _, opt := range opts {
		opt(&o)
	}
	log := logging.FromContext(ctx).With(
		slog.String("creator_id", c.creatorID),
		slog.String("session", o.session),
	)

	results, err := c.knowledge.SearchKnowledge(ctx, c.creatorID, question, k)
	if err != nil {
		return nil, fmt.Errorf("coach: search: %w", err)
	}

	messages, used := c.buildMessages(ctx, log, o.session, question, results)

	if len(c.handlers) > 0 {
		ctx = callbacks.InitCallbacks(ctx, &callbacks.RunInfo{
			Name:      "coach",
			Type:      "Coach",
			Component: components.ComponentOfChatModel,
		}, c.handlers...)
	}
	reply, err := c.chat.Generate(ctx, messages)
	if err != nil {
		return nil, fmt.Errorf("coach: generate: %w", err)
	}

	if c.history != nil {
		if err := c.history.Append(ctx, c.creatorID, o.session, store.RoleUser, question); err != nil {
			log.Warn("history: failed to persist user message", slog.Any("error", err))
		}
		if err := c.history.Append(ctx, c.creatorID, o.session, store.RoleAssistant, reply.Content); err != nil {
			log.Warn("history: failed to persist assistant message", slog.Any("error", err))
		}
	}

	log.Info("coach: answered",
		slog.Int("context_used", len(used)),
		slog.Int("retrieved", len(results)),
	)

	return &Answer{
		Answer:         reply.Content,
		References:     references(used),
		ContextUsed:    len(used),
		CoachName:      c.Name(),
		ExpertiseAreas: c.profile.ExpertiseAreas,
	}, nil
}

// buildMessages assembles [system, ...history, user] within the token
// budget and returns the results whose context blocks survived trimming.
func (c *Coach) buildMessages(ctx context.Context, log *slog.Logger, session, question string, results []rag.SearchResult) ([]*schema.Message, []rag.SearchResult) {
	sys := schema.SystemMessage(c.systemPrompt)

	frame := budget.CountMessages(c.counter, []*schema.Message{sys, schema.UserMessage(userPrompt(c.Name(), question, noContext))})
	blocks := budget.TrimContext(c.counter, contextBlocks(results), c.maxTokens-frame)
	if dropped := len(results) - len(blocks); dropped > 0 {
		log.Warn("budget: dropped context chunks to fit context window",
			slog.Int("dropped", dropped),
			slog.Int("retained", len(blocks)),
			slog.Int("max_tokens", c.maxTokens),
		)
	}
	used := results[:len(blocks)]
	user := schema.UserMessage(userPrompt(c.Name(), question, strings.Join(blocks, "\n")))

	var historyMsgs []*schema.Message
	if c.history != nil {
		prior, err := c.history.Recent(ctx, c.creatorID, session, c.historyDepth*2)
		if err != nil {
			log.Warn("history: failed to load prior messages", slog.Any("error", err))
		}
		for _, m := range prior {
			switch m.Role {
			case store.RoleUser:
				historyMsgs = append(historyMsgs, schema.UserMessage(m.Content))
			case store.RoleAssistant:
				historyMsgs = append(historyMsgs, schema.AssistantMessage(m.Content, nil))
			}
		}
	}

	before := len(historyMsgs)
	historyMsgs = budget.TrimHistoryWith(c.counter, []*schema.Message{sys, user}, historyMsgs, c.maxTokens)
	if dropped := before - len(historyMsgs); dropped > 0 {
		log.Warn("budget: dropped history messages to fit context window",
			slog.Int("dropped", dropped),
			slog.Int("retained", len(historyMsgs)),
		)
	}

	messages := make([]*schema.Message, 0, len(historyMsgs)+2)
	messages = append(messages, sys)
	messages = append(messages, historyMsgs...)
	messages = append(messages, user)
	return messages, used
}
