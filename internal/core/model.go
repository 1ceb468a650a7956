package core

import (
	"strconv"
	"time"
)

// Message is one ingested social-media post as stored in the search store.
// It is created by ingestion and never mutated afterwards.
type Message struct {
	MMID               string    // ticket id assigned by the store (zero-padded sequence)
	SourceID           string    // platform-native post id, optional
	Platform           string    // e.g. "twitter"
	Text               string    // full prepared text
	AuthorScreenName   string    // optional
	AuthorName         string    // optional
	AuthorLocation     string    // free-text location field, optional
	Hashtags           []string  // "#tag" markers found in the text
	References         []string  // "@handle" markers found in the text
	URL                string    // direct link, optional
	Ts                 time.Time // post timestamp
	Tokens             []string  // words minus common words
	LocalityConfidence float64   // value stamped at ingest time, informative only
}

// ScoredHit is the per-query view of a message after scoring.
type ScoredHit struct {
	MMID      string
	Text      string
	Link      string
	Author    string // empty when unknown
	Score     int
	Locality  float64
	Breakdown Breakdown
}

// Breakdown records each scoring term so digests can print debug info.
type Breakdown struct {
	Words     int
	Length    int
	Hashtags  int
	Shoutouts int
	Locality  int
	ToMe      int
}

// Total returns the signed sum of all terms.
func (b Breakdown) Total() int {
	return b.Words + b.Length + b.Hashtags + b.Shoutouts + b.Locality + b.ToMe
}

func (b Breakdown) String() string {
	return "words=" + strconv.Itoa(b.Words) +
		" length=" + strconv.Itoa(b.Length) +
		" hashtags=" + strconv.Itoa(b.Hashtags) +
		" shoutouts=" + strconv.Itoa(b.Shoutouts) +
		" local=" + strconv.Itoa(b.Locality) +
		" tome=" + strconv.Itoa(b.ToMe)
}

// Command is the tagged payload of a ReplyCommand: Like or Reply.
type Command interface {
	Keyword() string
	isCommand()
}

// Like favorites the referenced message.
type Like struct{}

func (Like) Keyword() string { return "like" }
func (Like) isCommand()      {}

// Reply posts Text as a reply to the referenced message's author.
type Reply struct {
	Text string
}

func (Reply) Keyword() string { return "reply" }
func (Reply) isCommand()      {}

// ReplyCommand is one parsed line of a reply email.
type ReplyCommand struct {
	Ticket string
	Cmd    Command
	Line   int // 1-based line number in the reply body
}

// ActionKind names the platform operation an Action requests.
type ActionKind string

const (
	ActionFavorite ActionKind = "favorite"
	ActionReply    ActionKind = "reply"
)

// Action is a single platform request derived from a ReplyCommand.
type Action struct {
	Kind      ActionKind
	MMID      string
	TargetID  string // platform id of the message acted on
	Text      string // reply text, empty for favorites
	RequestID string // idempotency key
}

// WarningCode classifies non-fatal data anomalies.
type WarningCode string

const (
	WarnUnknownTicket   WarningCode = "unknown_ticket"
	WarnReplyTooLong    WarningCode = "reply_too_long"
	WarnEmptyReply      WarningCode = "empty_reply"
	WarnMissingAuthor   WarningCode = "missing_author"
	WarnUnknownCommand  WarningCode = "unknown_command"
	WarnUnknownQuery    WarningCode = "unknown_query"
	WarnExcludedMessage WarningCode = "excluded_message"
)

// Warning reports a recoverable anomaly. It is logged and skipped, never
// treated as a failure of the surrounding operation.
type Warning struct {
	Code   WarningCode
	Ticket string
	Detail string
}

func (w Warning) Error() string {
	s := string(w.Code)
	if w.Ticket != "" {
		s += " ticket=" + w.Ticket
	}
	if w.Detail != "" {
		s += ": " + w.Detail
	}
	return s
}
