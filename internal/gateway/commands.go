package gateway

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/quartzvm/quartz/internal/auth"
)

const commandPrefix = "/"

// CommandContext carries everything a chat command needs.
type CommandContext struct {
	Gateway *Gateway
	// Room is the controller of the author's channel, or nil.
	Room    Controller
	Author  *Session
	RawArgs string
}

// Command is one chat command. Argument parsing beyond count checking
// is up to Run.
type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string

	MinArgs int
	// MaxArgs of zero means no upper bound.
	MaxArgs int

	MinCaps auth.Capability
	// Stealth hides permission failures: the command just does nothing
	// for the unprivileged.
	Stealth bool
	// Unlisted hides the command from help output.
	Unlisted bool

	Run func(ctx context.Context, cc *CommandContext, args []string) error
}

// Commands is the chat command registry. Populated during process
// wiring and read-only once the server accepts connections.
type Commands struct {
	byName map[string]*Command
}

// NewCommands builds a registry preloaded with the help command.
func NewCommands() *Commands {
	c := &Commands{byName: make(map[string]*Command)}
	c.Register(&Command{
		Name:        "help",
		Description: "Lists available commands.",
		Run: func(ctx context.Context, cc *CommandContext, args []string) error {
			var lines []string
			for _, cmd := range c.List() {
				if !cc.Author.Caps().Has(cmd.MinCaps) {
					continue
				}
				lines = append(lines, fmt.Sprintf("/%s — %s", cmd.Name, cmd.Description))
			}
			cc.Author.Announce(strings.Join(lines, "<br>"))
			return nil
		},
	})
	return c
}

// Register adds a command and its aliases. Registering the same name
// twice is a wiring bug and panics.
func (c *Commands) Register(cmd *Command) {
	name := strings.ToLower(cmd.Name)
	if _, taken := c.byName[name]; taken {
		panic("command registered twice: " + name)
	}
	c.byName[name] = cmd
	for _, alias := range cmd.Aliases {
		alias = strings.ToLower(alias)
		if _, taken := c.byName[alias]; taken {
			panic("command registered twice: " + alias)
		}
		c.byName[alias] = cmd
	}
}

// List returns the listed commands, deduplicated and sorted by name.
func (c *Commands) List() []*Command {
	seen := make(map[*Command]bool)
	var out []*Command
	for _, cmd := range c.byName {
		if cmd.Unlisted || seen[cmd] {
			continue
		}
		seen[cmd] = true
		out = append(out, cmd)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Handle runs one "/"-prefixed chat line as a command. All failures are
// reported to the author as a chat line, never to the room.
func (c *Commands) Handle(ctx context.Context, author *Session, content string) {
	content = strings.TrimPrefix(content, commandPrefix)
	tokens := lexCommand(content)
	if len(tokens) == 0 {
		return
	}

	name := strings.ToLower(tokens[0])
	args := tokens[1:]

	cmd, ok := c.byName[name]
	if !ok {
		author.Announce(name + ": Command not found")
		return
	}

	if !author.Caps().Has(cmd.MinCaps) {
		if !cmd.Stealth {
			author.Announce(name + ": Permission denied")
		}
		return
	}
	if len(args) < cmd.MinArgs {
		author.Announce(fmt.Sprintf("%s: Not enough arguments (%d needed)", name, cmd.MinArgs))
		return
	}
	if cmd.MaxArgs > 0 && len(args) > cmd.MaxArgs {
		author.Announce(fmt.Sprintf("%s: Too many arguments (%d accepted)", name, cmd.MaxArgs))
		return
	}

	gw := author.gw
	cc := &CommandContext{
		Gateway: gw,
		Room:    gw.Controller(author.Channel()),
		Author:  author,
		RawArgs: strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(content), tokens[0])),
	}
	if err := cmd.Run(ctx, cc, args); err != nil {
		author.Announce(name + ": " + err.Error())
	}
}

// lexCommand splits a command line on whitespace, honoring
// double-quoted spans.
func lexCommand(source string) []string {
	var tokens []string
	var current strings.Builder
	flush := func() {
		if current.Len() > 0 {
			tokens = append(tokens, current.String())
			current.Reset()
		}
	}
	for i := 0; i < len(source); i++ {
		switch source[i] {
		case ' ', '\n', '\t':
			flush()
		case '"':
			i++
			for ; i < len(source) && source[i] != '"'; i++ {
				current.WriteByte(source[i])
			}
			tokens = append(tokens, current.String())
			current.Reset()
		default:
			current.WriteByte(source[i])
		}
	}
	flush()
	return tokens
}
