// Package planner implements the command planner (C10): spec.md §6's
// external collaborator that decides which IMAP command a session
// sends next. Random is the default implementation — a weighted table
// of command generators gated by login state and current view shape,
// driven entirely by an injected Rand so a fixed seed reproduces the
// same command sequence run after run.
package planner

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/migadu/imaptest/client"
	"github.com/migadu/imaptest/command"
	"github.com/migadu/imaptest/imapwire"
	"github.com/migadu/imaptest/mailbox"
	"github.com/migadu/imaptest/offlinecache"
)

// Rand is the subset of math/rand.Rand a Random planner needs.
// Injectable so tests can supply a deterministic sequence instead of
// an unseeded math/rand source.
type Rand interface {
	Intn(n int) int
	Float64() float64
}

const (
	defaultMaxOutstanding  = 4
	defaultIdleProbability = 0.2
	defaultMailbox         = "INBOX"
)

var defaultAppendBody = []byte("From: planner@example.test\r\nSubject: synthetic message\r\n\r\nplanner-generated body\r\n")

var fetchItemSets = []string{
	"(FLAGS)",
	"(FLAGS UID)",
	"(BODY[])",
	"(BODY.PEEK[HEADER])",
	"(RFC822.SIZE FLAGS)",
}

var storeOps = []string{
	`+FLAGS (\Seen)`,
	`-FLAGS (\Seen)`,
	`+FLAGS (\Flagged)`,
	`-FLAGS (\Flagged)`,
	`+FLAGS.SILENT (\Deleted)`,
}

var searchCriteria = []string{"ALL", "UNSEEN", "SEEN", "RECENT", "NEW", `FLAGGED`}

// generator is one weighted entry in Random's command table. ready
// reports whether the generator applies to s right now; send actually
// issues the command.
type generator struct {
	name   string
	weight int
	ready  func(p *Random, s *client.Session) bool
	send   func(p *Random, s *client.Session) error
}

// Random is the default Planner (client.Planner): a weighted table of
// command generators, gated by login state and current view shape,
// chosen via an injected Rand.
//
// A single Random is meant to be shared by every session in a pool
// (the way a pool shares one corpus.Source or one offlinecache.Store),
// so every method locks mu — SendMoreCommands and CmdReplyFinish can
// otherwise run concurrently for two different sessions during their
// banner phase, before either has joined the pool's serialized
// dispatcher. The critical section is just building and writing one
// command line, never a blocking wait, so this does not violate
// spec.md §6's "must not block".
type Random struct {
	// Rnd drives every weighted pick and probability check. Required.
	Rnd Rand

	// PasswordFor returns the LOGIN password for a session. Required
	// for the "login" generator to ever be a candidate; nil makes
	// Random simply never attempt LOGIN, for callers that log sessions
	// in themselves before attaching a planner.
	PasswordFor func(s *client.Session) string

	// MailboxFor returns the mailbox a session should SELECT/APPEND
	// to. Nil means every session targets "INBOX".
	MailboxFor func(s *client.Session) string

	// MessageSource returns the literal body for an APPEND. Nil means
	// a small canned message is appended every time.
	MessageSource func(s *client.Session) []byte

	// MaxOutstanding caps how many commands this planner keeps
	// in flight on one session at once; SendMoreCommands is a no-op
	// past this, so a slow server throttles how far ahead this planner
	// pipelines. Zero means the package default (4).
	MaxOutstanding int

	// IdleProbability is the chance, whenever the "noop" generator is
	// chosen and the session advertised the IDLE capability, that IDLE
	// is sent (and immediately ended again once the server's
	// continuation arrives) instead of NOOP. Zero means the package
	// default (0.2).
	IdleProbability float64

	// OfflineCache, when set, is consulted on every successful SELECT
	// (to resume from a previously saved view instead of starting from
	// an empty one) and written to on a fraction of successful CLOSEs
	// (spec.md §4.3's "30% chance to save offline cache on mailbox
	// close", decided via Rnd through offlinecache.ShouldSaveOnClose).
	// Nil disables both.
	OfflineCache *offlinecache.Store

	mu        sync.Mutex
	gens      []generator
	completed int
}

// New creates a Random planner. rnd may be nil, in which case the
// planner seeds its own time-based source — fine for production load,
// but tests that need a reproducible command sequence should always
// supply their own.
func New(rnd Rand) *Random {
	if rnd == nil {
		rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	p := &Random{Rnd: rnd}
	p.gens = []generator{
		{"login", 10, (*Random).readyLogin, (*Random).sendLogin},
		{"select", 8, (*Random).readySelect, (*Random).sendSelect},
		{"fetch", 20, (*Random).readyFetch, (*Random).sendFetch},
		{"store", 10, (*Random).readyFetch, (*Random).sendStore},
		{"search", 8, (*Random).readySelected, (*Random).sendSearch},
		{"thread", 5, (*Random).readySelected, (*Random).sendThread},
		{"append", 6, (*Random).readyAppend, (*Random).sendAppend},
		{"expunge", 4, (*Random).readySelected, (*Random).sendExpunge},
		{"noop", 10, (*Random).readySelected, (*Random).sendNoopOrIdle},
		{"close", 3, (*Random).readyClose, (*Random).sendClose},
		{"logout", 2, (*Random).readyLogout, (*Random).sendLogout},
	}
	return p
}

// Completed reports how many tagged replies CmdReplyFinish has seen,
// for tests and metrics.
func (p *Random) Completed() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.completed
}

// SendMoreCommands implements client.Planner: spec.md §6's
// send_more_commands(session). It sends at most one command per call
// — PumpPlanner is what re-consults it in a loop — and reports 1 if a
// command went out, 0 otherwise.
func (p *Random) SendMoreCommands(s *client.Session) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	if s.LoginState == client.StateLogout {
		return 0
	}
	if s.Commands.Outstanding() >= p.maxOutstanding() {
		return 0
	}
	candidates := p.candidates(s)
	if len(candidates) == 0 {
		return 0
	}
	g := p.pick(candidates)
	if err := g.send(p, s); err != nil {
		return 0
	}
	return 1
}

// CmdReplyFinish implements client.Planner: spec.md §6's
// cmd_reply_finish(session), run once per tagged reply after the
// command's own callback. Random only uses it to count completions;
// the follow-up command is a separate PumpPlanner call the session
// makes right after, so the two hooks stay independent the way
// spec.md keeps send_more_commands and cmd_reply_finish distinct.
func (p *Random) CmdReplyFinish(s *client.Session) {
	p.mu.Lock()
	p.completed++
	p.mu.Unlock()
}

func (p *Random) maxOutstanding() int {
	if p.MaxOutstanding <= 0 {
		return defaultMaxOutstanding
	}
	return p.MaxOutstanding
}

func (p *Random) idleProbability() float64 {
	if p.IdleProbability == 0 {
		return defaultIdleProbability
	}
	return p.IdleProbability
}

func (p *Random) mailboxFor(s *client.Session) string {
	if p.MailboxFor != nil {
		return p.MailboxFor(s)
	}
	return defaultMailbox
}

func (p *Random) candidates(s *client.Session) []generator {
	out := make([]generator, 0, len(p.gens))
	for _, g := range p.gens {
		if g.ready(p, s) {
			out = append(out, g)
		}
	}
	return out
}

// pick performs a weighted random selection among candidates.
func (p *Random) pick(candidates []generator) generator {
	total := 0
	for _, g := range candidates {
		total += g.weight
	}
	if total <= 0 {
		return candidates[0]
	}
	r := p.Rnd.Intn(total)
	for _, g := range candidates {
		if r < g.weight {
			return g
		}
		r -= g.weight
	}
	return candidates[len(candidates)-1]
}

func (p *Random) randomSeqset(s *client.Session) string {
	n := len(s.View.Uidmap)
	if n == 0 {
		return "1:*"
	}
	return fmt.Sprintf("%d", p.Rnd.Intn(n)+1)
}

func (p *Random) readyLogin(s *client.Session) bool {
	return s.LoginState == client.StateNonauth && p.PasswordFor != nil
}

func (p *Random) sendLogin(s *client.Session) error {
	_, err := s.Login(s.Username, p.PasswordFor(s), nil)
	return err
}

func (p *Random) readySelect(s *client.Session) bool {
	return s.LoginState == client.StateAuth
}

func (p *Random) sendSelect(s *client.Session) error {
	mboxName := p.mailboxFor(s)
	_, err := s.Select(mboxName, s.Storage, func(kind command.ReplyKind, args []imapwire.Arg) {
		if kind != command.ReplyOK || p.OfflineCache == nil {
			return
		}
		snap, err := p.OfflineCache.Load(context.Background(), s.Username, mboxName, s.Storage.UIDValidity)
		if err != nil {
			return
		}
		s.View = mailbox.RestoreFromSnapshot(snap, s.Storage)
	})
	return err
}

func (p *Random) readySelected(s *client.Session) bool {
	return s.LoginState == client.StateSelected
}

func (p *Random) readyFetch(s *client.Session) bool {
	return s.LoginState == client.StateSelected && s.View != nil && len(s.View.Uidmap) > 0
}

func (p *Random) sendFetch(s *client.Session) error {
	items := fetchItemSets[p.Rnd.Intn(len(fetchItemSets))]
	_, err := s.Fetch(p.randomSeqset(s), items, p.Rnd.Float64() < 0.5, nil)
	return err
}

func (p *Random) sendStore(s *client.Session) error {
	op := storeOps[p.Rnd.Intn(len(storeOps))]
	_, err := s.Store(p.randomSeqset(s), op, p.Rnd.Float64() < 0.5, nil)
	return err
}

func (p *Random) sendSearch(s *client.Session) error {
	c := searchCriteria[p.Rnd.Intn(len(searchCriteria))]
	_, err := s.Search(c, p.Rnd.Float64() < 0.5, nil)
	return err
}

func (p *Random) sendThread(s *client.Session) error {
	_, err := s.Thread("REFERENCES", "ALL", nil)
	return err
}

func (p *Random) readyAppend(s *client.Session) bool {
	return s.LoginState == client.StateSelected || s.LoginState == client.StateAuth
}

func (p *Random) sendAppend(s *client.Session) error {
	body := defaultAppendBody
	if p.MessageSource != nil {
		body = p.MessageSource(s)
	}
	_, err := s.Append(p.mailboxFor(s), []string{`\Seen`}, body, nil)
	return err
}

func (p *Random) sendExpunge(s *client.Session) error {
	_, err := s.Expunge(nil)
	return err
}

// sendNoopOrIdle picks IDLE over NOOP with idleProbability when the
// session advertised the capability, ending the idle the moment it
// starts — enough to exercise the IDLE/DONE round trip without a
// timer driving how long to stay idle.
func (p *Random) sendNoopOrIdle(s *client.Session) error {
	if s.HasCapability("IDLE") && p.Rnd.Float64() < p.idleProbability() {
		_, err := s.Idle(func() { s.StopIdle() }, nil)
		return err
	}
	_, err := s.Noop(nil)
	return err
}

func (p *Random) readyClose(s *client.Session) bool {
	return s.LoginState == client.StateSelected
}

func (p *Random) sendClose(s *client.Session) error {
	mboxName := s.MailboxName
	storage := s.Storage
	view := s.View
	_, err := s.Close(func(kind command.ReplyKind, args []imapwire.Arg) {
		if kind != command.ReplyOK || p.OfflineCache == nil || view == nil {
			return
		}
		if !offlinecache.ShouldSaveOnClose(p.Rnd) {
			return
		}
		snap := view.Snapshot(storage.UIDValidity)
		if err := p.OfflineCache.Save(context.Background(), s.Username, mboxName, storage.UIDValidity, snap); err != nil {
			return
		}
	})
	return err
}

func (p *Random) readyLogout(s *client.Session) bool {
	return s.LoginState == client.StateAuth || s.LoginState == client.StateSelected
}

func (p *Random) sendLogout(s *client.Session) error {
	_, err := s.Logout(nil)
	return err
}
