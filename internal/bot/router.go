package bot

import (
	"context"
	"regexp"
	"sort"
	"strings"
)

// Args is the text that follows a command path
type Args struct {
	Fields []string
	Text   string
}

// Command is one routable command. Name is the space separated path, for
// example "newbie channels add".
type Command struct {
	Name      string
	Usage     string
	Moderator bool
	Run       func(c *Context, args Args) error
}

// Router resolves prefixed guild messages to commands
type Router struct {
	prefix     string
	dispatcher *Dispatcher
	commands   map[string]Command
	groups     map[string][]string
	maxDepth   int
}

func NewRouter(prefix string, d *Dispatcher) *Router {
	return &Router{
		prefix:     prefix,
		dispatcher: d,
		commands:   make(map[string]Command),
		groups:     make(map[string][]string),
	}
}

// Register adds commands; a later registration of the same path wins
func (r *Router) Register(cmds ...Command) {
	for _, cmd := range cmds {
		path := strings.Fields(cmd.Name)
		name := strings.Join(path, " ")
		cmd.Name = name
		r.commands[name] = cmd

		if len(path) > r.maxDepth {
			r.maxDepth = len(path)
		}
		if len(path) > 1 {
			r.groups[path[0]] = append(r.groups[path[0]], name)
		}
	}
}

// Resolve finds the longest registered command path at the start of content
func (r *Router) Resolve(content string) (Command, Args, bool) {
	if !strings.HasPrefix(content, r.prefix) {
		return Command{}, Args{}, false
	}
	body := strings.TrimSpace(content[len(r.prefix):])
	fields := strings.Fields(body)

	depth := min(r.maxDepth, len(fields))
	for n := depth; n > 0; n-- {
		name := strings.ToLower(strings.Join(fields[:n], " "))
		cmd, ok := r.commands[name]
		if !ok {
			continue
		}

		rest := body
		for _, tok := range fields[:n] {
			rest = strings.TrimSpace(rest[len(tok):])
		}
		return cmd, Args{Fields: fields[n:], Text: rest}, true
	}
	return Command{}, Args{}, false
}

// Handle runs the command contained in a guild message. It reports whether
// the message was addressed to the router at all.
func (r *Router) Handle(ctx context.Context, origin Origin, content string) bool {
	cmd, args, ok := r.Resolve(content)
	if !ok {
		return r.handleGroup(ctx, origin, content)
	}

	_ = r.dispatcher.Command(ctx, cmd.Name, origin, func(c *Context) error {
		if cmd.Moderator {
			allowed, err := c.Platform.CanModerate(c.Context(), c.ChannelID, c.AuthorID)
			if err != nil {
				return err
			}
			if !allowed {
				return NotPermitted("You need the Manage Roles permission to use `%s`.", cmd.Name)
			}
		}
		return cmd.Run(c, args)
	})
	return true
}

// handleGroup answers "!newbie" style invocations with the group's usage
func (r *Router) handleGroup(ctx context.Context, origin Origin, content string) bool {
	if !strings.HasPrefix(content, r.prefix) {
		return false
	}
	fields := strings.Fields(content[len(r.prefix):])
	if len(fields) == 0 {
		return false
	}
	group := strings.ToLower(fields[0])
	names, ok := r.groups[group]
	if !ok {
		return false
	}

	usages := make([]string, 0, len(names))
	for _, name := range names {
		cmd := r.commands[name]
		usage := cmd.Usage
		if usage == "" {
			usage = cmd.Name
		}
		usages = append(usages, r.prefix+usage)
	}
	sort.Strings(usages)

	_ = r.dispatcher.Command(ctx, group, origin, func(c *Context) error {
		return Usage("Valid subcommands:\n%s", strings.Join(usages, "\n"))
	})
	return true
}

var (
	userMention    = regexp.MustCompile(`^<@!?(\d+)>$`)
	roleMention    = regexp.MustCompile(`^<@&(\d+)>$`)
	channelMention = regexp.MustCompile(`^<#(\d+)>$`)
	snowflake      = regexp.MustCompile(`^\d+$`)
)

func parseID(s string, mention *regexp.Regexp) (string, bool) {
	if m := mention.FindStringSubmatch(s); m != nil {
		return m[1], true
	}
	if snowflake.MatchString(s) {
		return s, true
	}
	return "", false
}

// ParseUserID accepts a user mention or a raw ID
func ParseUserID(s string) (string, bool) { return parseID(s, userMention) }

// ParseRoleID accepts a role mention or a raw ID
func ParseRoleID(s string) (string, bool) { return parseID(s, roleMention) }

// ParseChannelID accepts a channel mention or a raw ID
func ParseChannelID(s string) (string, bool) { return parseID(s, channelMention) }
