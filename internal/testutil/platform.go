package testutil

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"infinite-experiment/warden/internal/platform"
)

// Call records one mutating platform call
type Call struct {
	Op      string
	GuildID string
	UserID  string
	RoleID  string
	Target  string
	Content string
}

// FakePlatform is an in-memory platform.Platform for tests. Mutations are
// applied to its state and recorded in Calls. Errors can be injected per
// operation name with FailNext or FailAlways.
//
// Thread-safety: all methods are safe for concurrent use.
type FakePlatform struct {
	mu sync.Mutex

	guilds   map[string]*platform.Guild
	roles    map[string]*platform.Role    // by role ID
	channels map[string]*platform.Channel // by channel ID
	members  map[string]*platform.Member  // by guildID/userID

	moderators   map[string]bool
	openChannels map[string]bool
	restricted   map[string]bool

	failNext   map[string][]error
	failAlways map[string]error

	// Hook runs after a mutating call succeeds, outside the lock
	Hook func(Call)

	calls  []Call
	nextID int
}

// Ensure FakePlatform implements platform.Platform
var _ platform.Platform = (*FakePlatform)(nil)

// NewFakePlatform creates an empty fake
func NewFakePlatform() *FakePlatform {
	return &FakePlatform{
		guilds:       map[string]*platform.Guild{},
		roles:        map[string]*platform.Role{},
		channels:     map[string]*platform.Channel{},
		members:      map[string]*platform.Member{},
		moderators:   map[string]bool{},
		openChannels: map[string]bool{},
		restricted:   map[string]bool{},
		failNext:     map[string][]error{},
		failAlways:   map[string]error{},
		nextID:       1000,
	}
}

func memberKey(guildID, userID string) string {
	return guildID + "/" + userID
}

// AddGuild registers a guild
func (f *FakePlatform) AddGuild(guildID, name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.guilds[guildID] = &platform.Guild{ID: guildID, Name: name}
}

// RemoveGuild makes a guild inaccessible
func (f *FakePlatform) RemoveGuild(guildID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.guilds, guildID)
}

// AddRoleDef registers a role
func (f *FakePlatform) AddRoleDef(guildID, roleID, name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.roles[roleID] = &platform.Role{ID: roleID, GuildID: guildID, Name: name}
}

// DeleteRoleDef removes a role from the guild and from every member
func (f *FakePlatform) DeleteRoleDef(roleID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.roles, roleID)
	for _, m := range f.members {
		m.RoleIDs = slices.DeleteFunc(m.RoleIDs, func(id string) bool { return id == roleID })
	}
}

// AddChannelDef registers a channel
func (f *FakePlatform) AddChannelDef(guildID, channelID, name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.channels[channelID] = &platform.Channel{ID: channelID, GuildID: guildID, Name: name}
}

// AddMember registers a member carrying the given roles
func (f *FakePlatform) AddMember(guildID, userID string, bot bool, roleIDs ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.members[memberKey(guildID, userID)] = &platform.Member{
		UserID:  userID,
		GuildID: guildID,
		Name:    "user-" + userID,
		Bot:     bot,
		RoleIDs: append([]string(nil), roleIDs...),
	}
}

// RemoveMember makes a member leave the guild
func (f *FakePlatform) RemoveMember(guildID, userID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.members, memberKey(guildID, userID))
}

// SetModerator grants userID moderation rights everywhere
func (f *FakePlatform) SetModerator(userID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.moderators[userID] = true
}

// MemberHasRole inspects the fake's state
func (f *FakePlatform) MemberHasRole(guildID, userID, roleID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.members[memberKey(guildID, userID)]
	return ok && m.HasRole(roleID)
}

// HasMember inspects the fake's state
func (f *FakePlatform) HasMember(guildID, userID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.members[memberKey(guildID, userID)]
	return ok
}

// ChannelOpen reports whether SetChannelOpen(open=true) is in effect
func (f *FakePlatform) ChannelOpen(channelID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.openChannels[channelID]
}

// EveryoneRestricted reports the last RestrictEveryone state of a guild
func (f *FakePlatform) EveryoneRestricted(guildID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.restricted[guildID]
}

// FailNext makes the next call of op return err
func (f *FakePlatform) FailNext(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext[op] = append(f.failNext[op], err)
}

// FailAlways makes every call of op return err until cleared with nil
func (f *FakePlatform) FailAlways(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.failAlways, op)
		return
	}
	f.failAlways[op] = err
}

// Calls returns a copy of the recorded mutating calls
func (f *FakePlatform) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// CallCount counts recorded calls of op
func (f *FakePlatform) CallCount(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

// injected must be called with f.mu held
func (f *FakePlatform) injected(op string) error {
	if q := f.failNext[op]; len(q) > 0 {
		f.failNext[op] = q[1:]
		return q[0]
	}
	return f.failAlways[op]
}

func (f *FakePlatform) record(c Call) {
	f.calls = append(f.calls, c)
}

func (f *FakePlatform) fire(c Call) {
	if f.Hook != nil {
		f.Hook(c)
	}
}

func (f *FakePlatform) newID() string {
	f.nextID++
	return fmt.Sprintf("%d", f.nextID)
}

func notFound(what, id string) error {
	return fmt.Errorf("%s %s: %w", what, id, platform.ErrNotFound)
}

func (f *FakePlatform) Guild(ctx context.Context, guildID string) (*platform.Guild, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.injected("Guild"); err != nil {
		return nil, err
	}
	g, ok := f.guilds[guildID]
	if !ok {
		return nil, notFound("guild", guildID)
	}
	cp := *g
	return &cp, nil
}

func (f *FakePlatform) Member(ctx context.Context, guildID, userID string) (*platform.Member, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.injected("Member"); err != nil {
		return nil, err
	}
	m, ok := f.members[memberKey(guildID, userID)]
	if !ok {
		return nil, notFound("member", userID)
	}
	cp := *m
	cp.RoleIDs = append([]string(nil), m.RoleIDs...)
	return &cp, nil
}

func (f *FakePlatform) Members(ctx context.Context, guildID string) ([]*platform.Member, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.injected("Members"); err != nil {
		return nil, err
	}
	if _, ok := f.guilds[guildID]; !ok {
		return nil, notFound("guild", guildID)
	}
	var out []*platform.Member
	for _, m := range f.members {
		if m.GuildID != guildID {
			continue
		}
		cp := *m
		cp.RoleIDs = append([]string(nil), m.RoleIDs...)
		out = append(out, &cp)
	}
	slices.SortFunc(out, func(a, b *platform.Member) int {
		switch {
		case a.UserID < b.UserID:
			return -1
		case a.UserID > b.UserID:
			return 1
		}
		return 0
	})
	return out, nil
}

func (f *FakePlatform) Role(ctx context.Context, guildID, roleID string) (*platform.Role, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.injected("Role"); err != nil {
		return nil, err
	}
	r, ok := f.roles[roleID]
	if !ok || r.GuildID != guildID {
		return nil, notFound("role", roleID)
	}
	cp := *r
	return &cp, nil
}

func (f *FakePlatform) Channel(ctx context.Context, channelID string) (*platform.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.injected("Channel"); err != nil {
		return nil, err
	}
	c, ok := f.channels[channelID]
	if !ok {
		return nil, notFound("channel", channelID)
	}
	cp := *c
	return &cp, nil
}

func (f *FakePlatform) Channels(ctx context.Context, guildID string) ([]*platform.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.injected("Channels"); err != nil {
		return nil, err
	}
	var out []*platform.Channel
	for _, c := range f.channels {
		if c.GuildID == guildID {
			cp := *c
			out = append(out, &cp)
		}
	}
	slices.SortFunc(out, func(a, b *platform.Channel) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out, nil
}

func (f *FakePlatform) CanModerate(ctx context.Context, channelID, userID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.injected("CanModerate"); err != nil {
		return false, err
	}
	return f.moderators[userID], nil
}

func (f *FakePlatform) CreateRole(ctx context.Context, guildID string, spec platform.RoleSpec, reason string) (*platform.Role, error) {
	f.mu.Lock()
	if err := f.injected("CreateRole"); err != nil {
		f.mu.Unlock()
		return nil, err
	}
	r := &platform.Role{ID: f.newID(), GuildID: guildID, Name: spec.Name}
	f.roles[r.ID] = r
	c := Call{Op: "CreateRole", GuildID: guildID, RoleID: r.ID, Content: spec.Name}
	f.record(c)
	f.mu.Unlock()

	f.fire(c)
	cp := *r
	return &cp, nil
}

func (f *FakePlatform) DeleteRole(ctx context.Context, guildID, roleID, reason string) error {
	f.mu.Lock()
	if err := f.injected("DeleteRole"); err != nil {
		f.mu.Unlock()
		return err
	}
	if _, ok := f.roles[roleID]; !ok {
		f.mu.Unlock()
		return notFound("role", roleID)
	}
	delete(f.roles, roleID)
	for _, m := range f.members {
		m.RoleIDs = slices.DeleteFunc(m.RoleIDs, func(id string) bool { return id == roleID })
	}
	c := Call{Op: "DeleteRole", GuildID: guildID, RoleID: roleID}
	f.record(c)
	f.mu.Unlock()

	f.fire(c)
	return nil
}

func (f *FakePlatform) AddRole(ctx context.Context, guildID, userID, roleID, reason string) error {
	f.mu.Lock()
	if err := f.injected("AddRole"); err != nil {
		f.mu.Unlock()
		return err
	}
	m, ok := f.members[memberKey(guildID, userID)]
	if !ok {
		f.mu.Unlock()
		return notFound("member", userID)
	}
	if _, ok := f.roles[roleID]; !ok {
		f.mu.Unlock()
		return notFound("role", roleID)
	}
	if !m.HasRole(roleID) {
		m.RoleIDs = append(m.RoleIDs, roleID)
	}
	c := Call{Op: "AddRole", GuildID: guildID, UserID: userID, RoleID: roleID, Content: reason}
	f.record(c)
	f.mu.Unlock()

	f.fire(c)
	return nil
}

func (f *FakePlatform) RemoveRole(ctx context.Context, guildID, userID, roleID, reason string) error {
	f.mu.Lock()
	if err := f.injected("RemoveRole"); err != nil {
		f.mu.Unlock()
		return err
	}
	m, ok := f.members[memberKey(guildID, userID)]
	if !ok {
		f.mu.Unlock()
		return notFound("member", userID)
	}
	m.RoleIDs = slices.DeleteFunc(m.RoleIDs, func(id string) bool { return id == roleID })
	c := Call{Op: "RemoveRole", GuildID: guildID, UserID: userID, RoleID: roleID, Content: reason}
	f.record(c)
	f.mu.Unlock()

	f.fire(c)
	return nil
}

func (f *FakePlatform) Kick(ctx context.Context, guildID, userID, reason string) error {
	f.mu.Lock()
	if err := f.injected("Kick"); err != nil {
		f.mu.Unlock()
		return err
	}
	if _, ok := f.members[memberKey(guildID, userID)]; !ok {
		f.mu.Unlock()
		return notFound("member", userID)
	}
	delete(f.members, memberKey(guildID, userID))
	c := Call{Op: "Kick", GuildID: guildID, UserID: userID, Content: reason}
	f.record(c)
	f.mu.Unlock()

	f.fire(c)
	return nil
}

func (f *FakePlatform) SendDirect(ctx context.Context, userID, content string) (string, error) {
	f.mu.Lock()
	if err := f.injected("SendDirect"); err != nil {
		f.mu.Unlock()
		return "", err
	}
	id := f.newID()
	c := Call{Op: "SendDirect", UserID: userID, Target: id, Content: content}
	f.record(c)
	f.mu.Unlock()

	f.fire(c)
	return id, nil
}

func (f *FakePlatform) SendChannel(ctx context.Context, channelID, content string) (string, error) {
	f.mu.Lock()
	if err := f.injected("SendChannel"); err != nil {
		f.mu.Unlock()
		return "", err
	}
	id := f.newID()
	c := Call{Op: "SendChannel", Target: channelID, Content: content}
	f.record(c)
	f.mu.Unlock()

	f.fire(c)
	return id, nil
}

func (f *FakePlatform) DenyRoleInChannel(ctx context.Context, channelID, roleID string) error {
	f.mu.Lock()
	if err := f.injected("DenyRoleInChannel"); err != nil {
		f.mu.Unlock()
		return err
	}
	c := Call{Op: "DenyRoleInChannel", RoleID: roleID, Target: channelID}
	f.record(c)
	f.mu.Unlock()

	f.fire(c)
	return nil
}

func (f *FakePlatform) SetChannelOpen(ctx context.Context, guildID, channelID string, open bool) error {
	f.mu.Lock()
	if err := f.injected("SetChannelOpen"); err != nil {
		f.mu.Unlock()
		return err
	}
	f.openChannels[channelID] = open
	c := Call{Op: "SetChannelOpen", GuildID: guildID, Target: channelID, Content: fmt.Sprint(open)}
	f.record(c)
	f.mu.Unlock()

	f.fire(c)
	return nil
}

func (f *FakePlatform) RestrictEveryone(ctx context.Context, guildID string, restricted bool) error {
	f.mu.Lock()
	if err := f.injected("RestrictEveryone"); err != nil {
		f.mu.Unlock()
		return err
	}
	f.restricted[guildID] = restricted
	c := Call{Op: "RestrictEveryone", GuildID: guildID, Content: fmt.Sprint(restricted)}
	f.record(c)
	f.mu.Unlock()

	f.fire(c)
	return nil
}
