package imapwire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readFull(t *testing.T, p *Parser, flags Flag) Result {
	t.Helper()
	res, err := p.ReadArgs(flags)
	require.Nil(t, err)
	require.Equal(t, StatusComplete, res.Status)
	return res
}

func TestParserBasicAtoms(t *testing.T) {
	p := New()
	p.Feed([]byte("3 EXISTS\r\n"))
	res := readFull(t, p, FlagLiteralSize|FlagAtomAllChars)
	require.Len(t, res.Args, 2)
	assert.True(t, res.Args[0].EqualAtom("3"))
	assert.True(t, res.Args[1].EqualAtom("EXISTS"))
}

func TestParserNeedsMore(t *testing.T) {
	p := New()
	p.Feed([]byte("3 EXI"))
	res, err := p.ReadArgs(FlagLiteralSize | FlagAtomAllChars)
	require.Nil(t, err)
	assert.Equal(t, StatusNeedMore, res.Status)

	p.Feed([]byte("STS\r\n"))
	res = readFull(t, p, FlagLiteralSize|FlagAtomAllChars)
	require.Len(t, res.Args, 2)
	assert.True(t, res.Args[1].EqualAtom("EXISTS"))
}

func TestParserQuotedAndNil(t *testing.T) {
	p := New()
	p.Feed([]byte(`"hello \"world\"" NIL` + "\r\n"))
	res := readFull(t, p, FlagLiteralSize|FlagAtomAllChars)
	require.Len(t, res.Args, 2)
	s, ok := res.Args[0].Str()
	require.True(t, ok)
	assert.Equal(t, `hello "world"`, s)
	assert.True(t, res.Args[1].IsNil())
	_, ok = res.Args[1].Str()
	assert.False(t, ok, "NIL must not report a string content")
}

func TestParserNestedList(t *testing.T) {
	p := New()
	p.Feed([]byte("FLAGS (\\Seen \\Deleted)\r\n"))
	res := readFull(t, p, FlagLiteralSize|FlagAtomAllChars)
	require.Len(t, res.Args, 2)
	items, ok := res.Args[1].ListItems()
	require.True(t, ok)
	require.Len(t, items, 2)
	assert.True(t, items[0].EqualAtom(`\Seen`))
	assert.True(t, items[1].EqualAtom(`\Deleted`))
}

func TestParserInlineLiteral(t *testing.T) {
	p := New()
	p.SetMaxInlineLiteralSize(4096)
	p.Feed([]byte("1 FETCH (BODY[] {5}\r\nhello)\r\n"))
	res := readFull(t, p, FlagLiteralSize|FlagAtomAllChars)
	require.Len(t, res.Args, 3)
	items, ok := res.Args[2].ListItems()
	require.True(t, ok)
	require.Len(t, items, 2)
	lit, ok := items[1].Bytes()
	require.True(t, ok)
	assert.Equal(t, "hello", string(lit))
}

func TestParserOversizeLiteralPausesThenResumes(t *testing.T) {
	p := New()
	p.SetMaxInlineLiteralSize(4)
	p.Feed([]byte("1 FETCH (BODY[] {10}\r\n"))
	res, err := p.ReadArgs(FlagLiteralSize | FlagAtomAllChars)
	require.Nil(t, err)
	require.Equal(t, StatusComplete, res.Status)
	require.True(t, res.HasPendingLiteral)
	assert.EqualValues(t, 10, res.PendingLiteralSize)

	// the literal's 10 bytes arrive through Feed; the parser discards them
	p.Feed([]byte("0123456789)\r\n"))
	p.NotifyLiteralSkipped()
	res = readFull(t, p, FlagLiteralSize|FlagAtomAllChars)
	require.Len(t, res.Args, 3)
	items, ok := res.Args[2].ListItems()
	require.True(t, ok)
	require.Len(t, items, 2)
	lit, ok := items[1].Bytes()
	require.True(t, ok)
	assert.Empty(t, lit, "skipped literal content must not be reconstructed")
}

func TestParserResetPreservesUnconsumedBuffer(t *testing.T) {
	p := New()
	p.Feed([]byte("1 OK done\r\n2 OK also\r\n"))
	res := readFull(t, p, FlagLiteralSize|FlagAtomAllChars)
	require.Len(t, res.Args, 3)
	p.Reset()
	// trailing CRLF of the first line is still in the buffer; the
	// session is responsible for draining it before reusing the parser,
	// mirroring spec.md's "consume optional CR then LF and reset".
	assert.True(t, p.Buffered() > 0)
}

func TestParserRoundTrip(t *testing.T) {
	cases := [][]Arg{
		{newAtom([]byte("FOO")), newAtom([]byte("42"))},
		{newQuoted([]byte(`has "quotes" and \backslash`))},
		{newNil()},
		{newList([]Arg{newAtom([]byte(`\Seen`)), newAtom([]byte(`\Deleted`))})},
		{newLiteral([]byte("some body bytes"))},
	}
	for _, args := range cases {
		wire := Emit(args) + "\r\n"
		p := New()
		p.Feed([]byte(wire))
		res := readFull(t, p, FlagLiteralSize|FlagAtomAllChars)
		require.Len(t, res.Args, len(args))
		for i := range args {
			assert.Equal(t, args[i], res.Args[i])
		}
	}
}

func TestConsumeEOLDropsCRLFOnce(t *testing.T) {
	p := New()
	p.Feed([]byte("1 OK done\r\n2 OK also\r\n"))
	res := readFull(t, p, FlagLiteralSize|FlagAtomAllChars)
	require.Len(t, res.Args, 3)
	p.ConsumeEOL()
	p.Reset()
	res2 := readFull(t, p, FlagLiteralSize|FlagAtomAllChars)
	require.Len(t, res2.Args, 3)
	assert.True(t, res2.Args[0].EqualAtom("2"))
}

func TestParserFatalErrorOnUnbalancedClose(t *testing.T) {
	p := New()
	p.Feed([]byte(")\r\n"))
	_, err := p.ReadArgs(FlagLiteralSize | FlagAtomAllChars)
	require.NotNil(t, err)
	assert.True(t, err.Fatal)
}
