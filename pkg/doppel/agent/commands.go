// Package agent – commands.go parses the owner-control grammar: a wake
// word at the start of the owner's own outgoing message, followed by one
// of a small set of commands. Anything else the owner types is ordinary
// content.
package agent

import (
	"strings"
)

// Command kinds.
const (
	CmdWhoAmI       = "whoami"
	CmdProfile      = "profile"
	CmdStats        = "stats"
	CmdContextSet   = "context-set"
	CmdContextClear = "context-clear"
	CmdListIgnored  = "list-ignored"
	CmdIgnore       = "ignore"
	CmdUnignore     = "unignore"
	CmdHelp         = "help"
)

// Outgoing kinds.
const (
	// OutgoingCommand is a recognized wake-word command.
	OutgoingCommand = "command"
	// OutgoingOwnerText is owner content that mentioned the wake word but
	// matched no command; it flows into the pipeline tagged as the owner.
	OutgoingOwnerText = "owner-text"
	// OutgoingManual is an ordinary manual reply by the owner.
	OutgoingManual = "manual"
)

// Outgoing is the parse result for one owner message.
type Outgoing struct {
	Kind string

	// Command and Args are set when Kind == OutgoingCommand.
	Command string
	Args    string
}

// ParseOutgoing classifies one outgoing owner message against the wake
// word. The wake word must be the first token; a recognized command
// follows it, otherwise the whole message is owner text.
func ParseOutgoing(text, wakeWord string) Outgoing {
	trimmed := strings.TrimSpace(text)
	if wakeWord == "" || trimmed == "" {
		return Outgoing{Kind: OutgoingManual}
	}

	first, rest := splitToken(trimmed)
	if !strings.EqualFold(first, wakeWord) {
		return Outgoing{Kind: OutgoingManual}
	}

	verb, args := splitToken(rest)
	switch strings.ToLower(verb) {
	case "whoami":
		return Outgoing{Kind: OutgoingCommand, Command: CmdWhoAmI}
	case "profile":
		return Outgoing{Kind: OutgoingCommand, Command: CmdProfile}
	case "stats":
		return Outgoing{Kind: OutgoingCommand, Command: CmdStats}
	case "context":
		sub, subArgs := splitToken(args)
		switch strings.ToLower(sub) {
		case "clear":
			return Outgoing{Kind: OutgoingCommand, Command: CmdContextClear}
		case "set":
			if subArgs != "" {
				return Outgoing{Kind: OutgoingCommand, Command: CmdContextSet, Args: subArgs}
			}
		}
	case "ignored":
		return Outgoing{Kind: OutgoingCommand, Command: CmdListIgnored}
	case "ignore":
		return Outgoing{Kind: OutgoingCommand, Command: CmdIgnore}
	case "unignore":
		return Outgoing{Kind: OutgoingCommand, Command: CmdUnignore}
	case "help", "commands":
		return Outgoing{Kind: OutgoingCommand, Command: CmdHelp}
	}

	// Wake word present but no recognized command: ordinary owner content.
	return Outgoing{Kind: OutgoingOwnerText}
}

// HelpText lists the command grammar for the help command.
func HelpText(wakeWord string) string {
	w := wakeWord
	return strings.Join([]string{
		w + " whoami — this chat's identifier",
		w + " profile — stored facts about this person",
		w + " stats — message counters for this chat",
		w + " context set <text> — extra instructions for this chat",
		w + " context clear — drop the extra instructions",
		w + " ignore — stop auto-replying in this chat",
		w + " unignore — resume auto-replying",
		w + " ignored — list ignored chats",
		w + " help — this list",
	}, "\n")
}

// splitToken cuts off the first whitespace-delimited token.
func splitToken(s string) (token, rest string) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", ""
	}
	if i := strings.IndexAny(s, " \t\n"); i >= 0 {
		return s[:i], strings.TrimSpace(s[i+1:])
	}
	return s, ""
}
