package planner

import (
	"context"

	"github.com/migadu/imaptest/client"
	"github.com/migadu/imaptest/corpus"
)

// MessageSourceFromCorpus adapts a corpus.Source into the function
// shape Random.MessageSource expects. A source error (e.g. a
// transient S3 failure) falls back to the package's canned body
// rather than failing the whole APPEND generator outright.
func MessageSourceFromCorpus(src corpus.Source) func(s *client.Session) []byte {
	return func(s *client.Session) []byte {
		header, body, err := src.Next(context.Background())
		if err != nil {
			return defaultAppendBody
		}
		return corpus.Join(header, body)
	}
}
