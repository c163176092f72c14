package dispatch

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/migadu/imaptest/command"
	"github.com/migadu/imaptest/imapwire"
	"github.com/migadu/imaptest/mailbox"
	"github.com/migadu/imaptest/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parseLine(t *testing.T, p *imapwire.Parser, line string) (string, []imapwire.Arg) {
	t.Helper()
	p.Feed([]byte(line))
	res, perr := p.ReadArgs(imapwire.FlagLiteralSize | imapwire.FlagAtomAllChars)
	require.Nil(t, perr)
	require.Equal(t, imapwire.StatusComplete, res.Status)
	require.NotEmpty(t, res.Args)
	first, ok := res.Args[0].Str()
	require.True(t, ok)
	return first, res.Args[1:]
}

func newTarget(globalID int) (*Target, *command.Registry, *mailbox.View) {
	reg := command.NewRegistry(globalID)
	view := mailbox.New(mailbox.NewStorage("u", "INBOX"))
	return &Target{View: view, Commands: reg}, reg, view
}

// Scenario 1: Basic SELECT.
func TestScenarioBasicSelect(t *testing.T) {
	target, reg, view := newTarget(1)
	cmd, _ := reg.Send("SELECT INBOX", command.StateSelect, func(c *command.Command, kind command.ReplyKind, args []imapwire.Arg) int {
		return 0
	}, false)
	assert.Equal(t, "1.1", cmd.TagString())

	lines := []string{
		"* 3 EXISTS\r\n",
		"* 0 RECENT\r\n",
		"* FLAGS (\\Seen \\Deleted)\r\n",
		"* OK [UIDVALIDITY 42] x\r\n",
		"1.1 OK SELECT\r\n",
	}
	for _, line := range lines {
		p := imapwire.New()
		resp, args := parseLine(t, p, line)
		require.NoError(t, Line(target, resp, args))
	}

	assert.Len(t, view.Uidmap, 3)
	assert.EqualValues(t, 0, view.RecentCount)
	_, hasSeen := view.FlagsVocabulary[`\Seen`]
	_, hasDeleted := view.FlagsVocabulary[`\Deleted`]
	assert.True(t, hasSeen)
	assert.True(t, hasDeleted)
	assert.EqualValues(t, 42, view.Storage.UIDValidity)
	assert.Equal(t, 0, reg.Outstanding())
}

// Scenario 3: EXPUNGE of a referenced message is a protocol error.
func TestScenarioExpungeReferencedMessage(t *testing.T) {
	target, _, view := newTarget(1)
	require.NoError(t, view.Exists(1))
	require.NoError(t, view.AssignUID(1, 10))
	view.Messages[0].FetchRefcount = 1

	p := imapwire.New()
	resp, args := parseLine(t, p, "* 1 EXPUNGE\r\n")
	err := Line(target, resp, args)
	require.Error(t, err)
	assert.Len(t, view.Uidmap, 1)
}

// Scenario 4: VANISHED without QRESYNC is a protocol error.
func TestScenarioVanishedWithoutQresync(t *testing.T) {
	target, _, _ := newTarget(1)

	p := imapwire.New()
	resp, args := parseLine(t, p, "* VANISHED 5:7\r\n")
	err := Line(target, resp, args)
	require.Error(t, err)
}

// Scenario 5: VANISHED (EARLIER) with a cache attached.
func TestScenarioVanishedEarlierWithCache(t *testing.T) {
	target, _, view := newTarget(1)
	view.QresyncEnabled = true
	target.QresyncCacheAttached = true
	require.NoError(t, view.Exists(4))
	require.NoError(t, view.AssignUID(1, 5))
	require.NoError(t, view.AssignUID(2, 6))
	require.NoError(t, view.AssignUID(3, 7))
	require.NoError(t, view.AssignUID(4, 8))

	p := imapwire.New()
	resp, args := parseLine(t, p, "* VANISHED (EARLIER) 6,8\r\n")
	require.NoError(t, Line(target, resp, args))
	assert.Equal(t, []uint32{5, 7}, view.Uidmap)
}

// VANISHED (EARLIER) without a cache attached is ignored, not applied.
func TestVanishedEarlierWithoutCacheIsIgnored(t *testing.T) {
	target, _, view := newTarget(1)
	view.QresyncEnabled = true
	require.NoError(t, view.Exists(2))
	require.NoError(t, view.AssignUID(1, 5))
	require.NoError(t, view.AssignUID(2, 6))

	p := imapwire.New()
	resp, args := parseLine(t, p, "* VANISHED (EARLIER) 6\r\n")
	require.NoError(t, Line(target, resp, args))
	assert.Equal(t, []uint32{5, 6}, view.Uidmap)
}

// Scenario 7: tag mismatch.
func TestScenarioTagMismatch(t *testing.T) {
	target, _, _ := newTarget(9)

	p := imapwire.New()
	resp, args := parseLine(t, p, "9.9 OK FOO\r\n")
	err := Line(target, resp, args)
	require.Error(t, err)
}

func TestContinuationInvokesLastLinkedCallback(t *testing.T) {
	target, reg, _ := newTarget(1)
	var gotKind command.ReplyKind
	reg.Send("AUTHENTICATE PLAIN", command.StateAuthenticate, func(c *command.Command, kind command.ReplyKind, args []imapwire.Arg) int {
		gotKind = kind
		return 0
	}, false)

	p := imapwire.New()
	resp, args := parseLine(t, p, "+ \r\n")
	require.NoError(t, Line(target, resp, args))
	assert.Equal(t, command.ReplyContinue, gotKind)
}

func TestFetchUpdatesUIDAndFlags(t *testing.T) {
	target, _, view := newTarget(1)
	require.NoError(t, view.Exists(1))

	p := imapwire.New()
	resp, args := parseLine(t, p, "* 1 FETCH (UID 100 FLAGS (\\Seen))\r\n")
	require.NoError(t, Line(target, resp, args))

	assert.EqualValues(t, 100, view.Uidmap[0])
	_, seen := view.Messages[0].Flags[`\Seen`]
	assert.True(t, seen)
}

func TestOKRespTextCodeParsesPermanentFlagsAcrossBracketSplitTokens(t *testing.T) {
	target, _, view := newTarget(1)

	p := imapwire.New()
	resp, args := parseLine(t, p, "* OK [PERMANENTFLAGS (\\Answered \\Deleted \\*)] Flags permitted\r\n")
	require.NoError(t, Line(target, resp, args))

	_, hasAnswered := view.FlagsVocabulary[`\Answered`]
	_, hasStar := view.FlagsVocabulary[`\*`]
	assert.True(t, hasAnswered)
	assert.True(t, hasStar)
}

func TestTaggedReplyIncrementsMetricsByKind(t *testing.T) {
	target, reg, _ := newTarget(1)
	m := metrics.New()
	target.Metrics = m

	reg.Send("NOOP", command.StateNoop, func(c *command.Command, kind command.ReplyKind, args []imapwire.Arg) int {
		return 0
	}, false)
	reg.Send("NOOP", command.StateNoop, func(c *command.Command, kind command.ReplyKind, args []imapwire.Arg) int {
		return 0
	}, false)

	p := imapwire.New()
	resp, args := parseLine(t, p, "1.1 OK NOOP completed\r\n")
	require.NoError(t, Line(target, resp, args))
	p = imapwire.New()
	resp, args = parseLine(t, p, "1.2 NO NOOP failed\r\n")
	require.NoError(t, Line(target, resp, args))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	assert.Contains(t, body, `imaptest_tagged_replies_total{kind="OK"} 1`)
	assert.Contains(t, body, `imaptest_tagged_replies_total{kind="NO"} 1`)
}

func TestTaggedReplyWithNilMetricsDoesNotPanic(t *testing.T) {
	target, reg, _ := newTarget(1)
	reg.Send("NOOP", command.StateNoop, func(c *command.Command, kind command.ReplyKind, args []imapwire.Arg) int {
		return 0
	}, false)

	p := imapwire.New()
	resp, args := parseLine(t, p, "1.1 OK NOOP completed\r\n")
	assert.NotPanics(t, func() {
		require.NoError(t, Line(target, resp, args))
	})
}
