package command

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/migadu/imaptest/consts"
)

// Registry tracks a single session's outstanding tagged commands,
// keyed by tag number, and the most recently linked one (for matching a
// bare '+' continuation to the command that's waiting on it).
type Registry struct {
	globalID   int
	tagCounter int
	commands   map[int]*Command
	lastTag    int
}

// NewRegistry creates a registry for a session whose tag prefix is
// globalID (spec.md's monotonic per-pool tag-prefix counter).
func NewRegistry(globalID int) *Registry {
	return &Registry{globalID: globalID, commands: make(map[int]*Command)}
}

// Send assigns the next tag, links the command, and returns both the
// Command and the wire line ("<global_id>.<tag> <cmdline>\r\n") the
// caller should write.
func (r *Registry) Send(cmdline string, state State, cb Callback, expectBad bool) (*Command, string) {
	r.tagCounter++
	cmd := &Command{
		Tag:       r.tagCounter,
		GlobalID:  r.globalID,
		State:     state,
		CmdLine:   cmdline,
		Callback:  cb,
		ExpectBad: expectBad,
	}
	r.commands[cmd.Tag] = cmd
	r.lastTag = cmd.Tag
	line := cmd.TagString() + " " + cmdline + "\r\n"
	return cmd, line
}

// Lookup finds an outstanding command by its numeric tag.
func (r *Registry) Lookup(tag int) (*Command, bool) {
	c, ok := r.commands[tag]
	return c, ok
}

// LastLinked returns the most recently sent still-outstanding command,
// the target of a bare '+' continuation reply.
func (r *Registry) LastLinked() (*Command, bool) {
	return r.Lookup(r.lastTag)
}

// Unlink removes a command from the outstanding table without running
// its callback; Free is a separate step so callers can unlink before
// invoking a callback that might re-enter the registry.
func (r *Registry) Unlink(c *Command) {
	delete(r.commands, c.Tag)
}

// Free releases a command's continuation state. In Go this is mostly
// documentation of intent (the GC reclaims c once unreferenced); kept
// as an explicit step to mirror spec.md's "unlinked on matching tagged
// reply, freed after callback" lifecycle and to give a single place to
// clear continuation buffers.
func (r *Registry) Free(c *Command) {
	c.AppendBody = nil
	c.Callback = nil
}

// Outstanding reports how many commands are in flight, for tests and
// for session teardown bookkeeping.
func (r *Registry) Outstanding() int { return len(r.commands) }

// ResolveTag parses a tagged reply's tag field as "<global_id>.<n>",
// verifies the prefix matches this session's global_id (I6), and looks
// up the matching outstanding command.
func (r *Registry) ResolveTag(tag string) (*Command, error) {
	dot := strings.IndexByte(tag, '.')
	if dot < 0 {
		return nil, fmt.Errorf("%w: %q has no '.'", consts.ErrTagMalformed, tag)
	}
	gid, err := strconv.Atoi(tag[:dot])
	if err != nil {
		return nil, fmt.Errorf("%w: %q", consts.ErrTagMalformed, tag)
	}
	n, err := strconv.Atoi(tag[dot+1:])
	if err != nil {
		return nil, fmt.Errorf("%w: %q", consts.ErrTagMalformed, tag)
	}
	if gid != r.globalID {
		return nil, fmt.Errorf("%w: tag %q does not belong to session %d", consts.ErrUnexpectedTag, tag, r.globalID)
	}
	cmd, ok := r.Lookup(n)
	if !ok {
		return nil, fmt.Errorf("%w: tag %q has no outstanding command", consts.ErrUnexpectedTag, tag)
	}
	return cmd, nil
}
