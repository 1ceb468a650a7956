// Package reply turns free-text reply emails into platform actions: a line
// scanner produces commands, a dispatcher validates them against the stored
// message and the platform's constraints.
package reply

import (
	"log/slog"
	"regexp"
	"strings"

	"github.com/you/mediamail/internal/core"
)

// DefaultTicketPattern matches the zero-padded ids assigned by the store.
var DefaultTicketPattern = regexp.MustCompile(`^[0-9]{5,}$`)

// ParserOptions configures a Parser.
type ParserOptions struct {
	// TicketPattern decides whether the first field of a line is a ticket.
	TicketPattern *regexp.Regexp
	Logger        *slog.Logger
}

// Parser scans reply bodies line by line. Keywords are matched
// case-insensitively; tickets are kept exactly as written.
type Parser struct {
	ticket *regexp.Regexp
	log    *slog.Logger
}

func NewParser(opts ParserOptions) *Parser {
	p := &Parser{ticket: opts.TicketPattern, log: opts.Logger}
	if p.ticket == nil {
		p.ticket = DefaultTicketPattern
	}
	if p.log == nil {
		p.log = slog.Default()
	}
	return p
}

// Parse returns the commands found in body in line order. Lines that do not
// start with a ticket are ignored. A ticket followed by anything other than a
// known keyword yields an unknown_command warning and scanning continues.
func (p *Parser) Parse(body string) ([]core.ReplyCommand, []core.Warning) {
	var (
		cmds     []core.ReplyCommand
		warnings []core.Warning
	)
	for i, line := range strings.Split(body, "\n") {
		line = strings.TrimSuffix(line, "\r")
		cmd, warn, ok := p.parseLine(line)
		if warn != nil {
			p.log.Warn("reply: unknown command",
				"line", i+1,
				"ticket", warn.Ticket,
				"sample", sanitizeAndTruncate(line, sampleMaxLen),
			)
			warnings = append(warnings, *warn)
			continue
		}
		if !ok {
			continue
		}
		cmd.Line = i + 1
		cmds = append(cmds, cmd)
	}
	return cmds, warnings
}

func (p *Parser) parseLine(line string) (core.ReplyCommand, *core.Warning, bool) {
	rest := strings.TrimLeft(line, " \t")
	if rest == "" {
		return core.ReplyCommand{}, nil, false
	}

	field, rest := cutField(rest)
	ticket := strings.TrimSuffix(strings.TrimPrefix(field, "["), "]")
	if !p.ticket.MatchString(ticket) {
		return core.ReplyCommand{}, nil, false
	}

	rest = strings.TrimLeft(rest, " \t")
	keyword, after := cutField(rest)
	switch strings.ToLower(keyword) {
	case "like":
		return core.ReplyCommand{Ticket: ticket, Cmd: core.Like{}}, nil, true
	case "reply":
		return core.ReplyCommand{Ticket: ticket, Cmd: core.Reply{Text: after}}, nil, true
	}

	detail := "missing command"
	if keyword != "" {
		detail = "unrecognized command " + keyword
	}
	return core.ReplyCommand{}, &core.Warning{Code: core.WarnUnknownCommand, Ticket: ticket, Detail: detail}, false
}

// cutField splits s at the first space or tab. The separator is consumed, so
// the remainder starts exactly one character after the field.
func cutField(s string) (string, string) {
	idx := strings.IndexAny(s, " \t")
	if idx < 0 {
		return s, ""
	}
	return s[:idx], s[idx+1:]
}
