// Package scoring assigns priority scores and topic labels to incoming
// messages. The rule path is deterministic and never fails; the oracle path
// asks a chat model and silently falls back to the rules on any failure.
package scoring

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/herald/internal/message"
)

const (
	// excerptLimit bounds how much message text is sent to the oracle.
	excerptLimit = 500

	// topicMinTextLen skips the topic call for texts too short to label.
	topicMinTextLen = 10

	topicMaxWords = 5

	maxScore = 10

	defaultScoreTimeout = 3 * time.Second
	defaultTopicTimeout = 5 * time.Second
)

var (
	mentionPattern = regexp.MustCompile(`@\w+`)

	questionWords = []string{
		"who", "what", "when", "where", "why", "how",
		"can", "could", "would", "should", "will",
		"is", "are", "do", "does", "did",
	}
)

// Oracle is a bounded chat-model call. Implemented by the oracle package.
type Oracle interface {
	Complete(ctx context.Context, system, user string, maxTokens int) (string, error)
}

// Input is everything the engine needs about one message.
type Input struct {
	Text          string
	SenderName    string
	ChatTitle     string
	ChatKind      message.ChatKind
	Mentioned     bool // explicit client mention flag
	FlaggedSender bool

	// UserContext is the user's personalization text, forwarded to the
	// oracle prompt only.
	UserContext string
}

// Result carries the computed signals for one message.
type Result struct {
	Score      int
	HasMention bool
	IsQuestion bool
	Topic      string
}

// Engine scores messages. A nil oracle means rules only.
type Engine struct {
	oracle       Oracle
	logger       log.Logger
	scoreTimeout time.Duration
	topicTimeout time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithOracle enables the oracle scoring and topic path.
func WithOracle(o Oracle) Option {
	return func(e *Engine) { e.oracle = o }
}

// WithTimeouts overrides the per-call oracle timeouts.
func WithTimeouts(score, topic time.Duration) Option {
	return func(e *Engine) {
		if score > 0 {
			e.scoreTimeout = score
		}
		if topic > 0 {
			e.topicTimeout = topic
		}
	}
}

// New creates a scoring engine.
func New(logger log.Logger, opts ...Option) *Engine {
	e := &Engine{
		logger:       logger,
		scoreTimeout: defaultScoreTimeout,
		topicTimeout: defaultTopicTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Score computes the priority score and signals for one message. It never
// returns an error: oracle failures degrade to the rule score, topic failures
// degrade to an empty label.
func (e *Engine) Score(ctx context.Context, in Input) Result {
	r := Result{
		HasMention: detectMention(in),
		IsQuestion: detectQuestion(in.Text),
	}
	r.Score = e.ruleScore(in, r.HasMention, r.IsQuestion)

	if e.oracle != nil && in.Text != "" {
		if score, ok := e.oracleScore(ctx, in); ok {
			r.Score = score
		}
		r.Topic = e.topicLabel(ctx, in.Text)
	}

	return r
}

// ruleScore is the deterministic fallback: mention +3, question +2,
// length>100 +1, flagged sender +2.
func (e *Engine) ruleScore(in Input, hasMention, isQuestion bool) int {
	score := 0
	if hasMention {
		score += 3
	}
	if isQuestion {
		score += 2
	}
	if len(in.Text) > 100 {
		score++
	}
	if in.FlaggedSender {
		score += 2
	}
	return score
}

func detectMention(in Input) bool {
	if in.Mentioned {
		return true
	}
	return mentionPattern.MatchString(in.Text)
}

func detectQuestion(text string) bool {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return false
	}
	if strings.HasSuffix(trimmed, "?") {
		return true
	}
	fields := strings.FieldsFunc(trimmed, func(r rune) bool {
		return r == ' ' || r == ',' || r == '\n'
	})
	if len(fields) == 0 {
		// Separator runes only, e.g. ",".
		return false
	}
	first := strings.ToLower(fields[0])
	for _, w := range questionWords {
		if first == w {
			return true
		}
	}
	return false
}

// oracleScore asks the chat model for a 0-10 priority. Any failure is logged
// and reported as not-ok so the caller keeps the rule score.
func (e *Engine) oracleScore(ctx context.Context, in Input) (int, bool) {
	callCtx, cancel := context.WithTimeout(ctx, e.scoreTimeout)
	defer cancel()

	system := "You rate the urgency of chat messages for one specific user. " +
		"Reply with a single integer from 0 (ignore) to 10 (drop everything)."
	if in.UserContext != "" {
		system += " About the user: " + in.UserContext +
			" Messages unrelated to the user's interests score at most 3."
	}

	user := fmt.Sprintf("From: %s\nChat: %s (%s)\nMessage: %s",
		in.SenderName, in.ChatTitle, in.ChatKind, excerpt(in.Text))

	resp, err := e.oracle.Complete(callCtx, system, user, 8)
	if err != nil {
		e.logger.Info(ctx, "oracle score unavailable, using rule score", "reason", err.Error())
		return 0, false
	}

	score, ok := firstInt(resp)
	if !ok {
		e.logger.Info(ctx, "oracle score unparseable, using rule score", "response", excerptN(resp, 80))
		return 0, false
	}
	if score < 0 {
		score = 0
	}
	if score > maxScore {
		score = maxScore
	}
	return score, true
}

// topicLabel asks the chat model for a short topic. Failures produce an empty
// label and never block scoring.
func (e *Engine) topicLabel(ctx context.Context, text string) string {
	if len(text) < topicMinTextLen {
		return ""
	}

	callCtx, cancel := context.WithTimeout(ctx, e.topicTimeout)
	defer cancel()

	resp, err := e.oracle.Complete(callCtx,
		"Summarize the topic of the message in at most five words. Reply with the topic only.",
		excerpt(text), 16)
	if err != nil {
		e.logger.Info(ctx, "topic label unavailable", "reason", err.Error())
		return ""
	}

	words := strings.Fields(strings.TrimSpace(resp))
	if len(words) > topicMaxWords {
		words = words[:topicMaxWords]
	}
	return strings.Join(words, " ")
}

func excerpt(text string) string {
	return excerptN(text, excerptLimit)
}

func excerptN(text string, n int) string {
	if len(text) <= n {
		return text
	}
	return text[:n]
}

// firstInt extracts the first integer token from a model response like
// "Score: 7/10" or "7".
func firstInt(s string) (int, bool) {
	start := -1
	for i, r := range s {
		if r >= '0' && r <= '9' {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			n, err := strconv.Atoi(s[start:i])
			return n, err == nil
		}
	}
	if start >= 0 {
		n, err := strconv.Atoi(s[start:])
		return n, err == nil
	}
	return 0, false
}
