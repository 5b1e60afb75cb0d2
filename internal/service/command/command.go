// Package command parses the slash commands understood in a chat.
package command

import (
	"strconv"
	"strings"

	"github.com/zhouzirui/bubble-relay/internal/config"
)

// Command is one of the closed set of variants below.
type Command interface {
	command()
}

type (
	// Reset clears the conversation history of the chat.
	Reset struct{}
	// Retry replays the last user message whose generation failed.
	Retry struct{}
	// SetPublic toggles public mode. Admin only.
	SetPublic struct{ Public bool }
	// AddMember allows a user to talk to the bot. Admin only.
	AddMember struct{ UserID string }
	// DelMember revokes a user. Admin only.
	DelMember struct{ UserID string }
	// Usage reports token usage of the chat.
	Usage struct{}
	// Help lists the commands.
	Help struct{}
	// Raw shows the unrendered text of the Index-th latest reply, 1 being
	// the latest.
	Raw struct{ Index int }
	// Ignored is a command addressed to another bot in the same chat.
	Ignored struct{}
	// Unknown is any other command, or a known one with bad arguments.
	Unknown struct {
		Name   string
		Reason string
	}
)

func (Reset) command()     {}
func (Retry) command()     {}
func (SetPublic) command() {}
func (AddMember) command() {}
func (DelMember) command() {}
func (Usage) command()     {}
func (Help) command()      {}
func (Raw) command()       {}
func (Ignored) command()   {}
func (Unknown) command()   {}

// RequiresAdmin reports whether only administrators may run cmd.
func RequiresAdmin(cmd Command) bool {
	switch cmd.(type) {
	case SetPublic, AddMember, DelMember:
		return true
	}
	return false
}

// Parse recognizes text starting with '/'. A "@bot" suffix on the command
// name must match botUsername, otherwise the command is Ignored. The second
// result is false for text that is not a command at all.
func Parse(text, botUsername string) (Command, bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return nil, false
	}

	fields := strings.Fields(text[1:])
	if len(fields) == 0 {
		return Unknown{Name: ""}, true
	}
	name := strings.ToLower(fields[0])
	if at := strings.IndexByte(name, '@'); at >= 0 {
		if botUsername != "" && !strings.EqualFold(name[at+1:], botUsername) {
			return Ignored{}, true
		}
		name = name[:at]
	}
	args := fields[1:]

	switch name {
	case "reset":
		return Reset{}, true
	case "retry":
		return Retry{}, true
	case "usage":
		return Usage{}, true
	case "help", "start":
		return Help{}, true
	case "raw":
		if len(args) == 0 {
			return Raw{Index: 1}, true
		}
		index, err := strconv.Atoi(args[0])
		if len(args) != 1 || err != nil || index < 1 {
			return Unknown{Name: name, Reason: "usage: /raw [n]"}, true
		}
		return Raw{Index: index}, true
	case "set_public":
		if len(args) != 1 {
			return Unknown{Name: name, Reason: "usage: /set_public on|off"}, true
		}
		public, err := config.ParseBool(args[0])
		if err != nil {
			return Unknown{Name: name, Reason: "usage: /set_public on|off"}, true
		}
		return SetPublic{Public: public}, true
	case "add_member", "del_member":
		if len(args) != 1 || strings.TrimPrefix(args[0], "@") == "" {
			return Unknown{Name: name, Reason: "usage: /" + name + " <user>"}, true
		}
		user := strings.TrimPrefix(args[0], "@")
		if name == "add_member" {
			return AddMember{UserID: user}, true
		}
		return DelMember{UserID: user}, true
	}
	return Unknown{Name: name}, true
}

// HelpText lists the available commands.
func HelpText() string {
	return strings.Join([]string{
		"/reset - start a new conversation",
		"/retry - resend the last message that failed",
		"/usage - show token usage of this chat",
		"/raw [n] - show the unformatted text of the n-th latest reply",
		"/set_public on|off - allow everyone or members only (admin)",
		"/add_member <user> - allow a user (admin)",
		"/del_member <user> - remove a user (admin)",
	}, "\n")
}
