package consts

import "errors"

var (
	ErrViewLengthMismatch  = errors.New("uidmap/messages length mismatch")
	ErrUIDOutOfOrder       = errors.New("uid out of order")
	ErrSeqOutOfRange       = errors.New("sequence number out of range")
	ErrSeqTooHigh          = errors.New("sequence number too high")
	ErrUIDNotFound         = errors.New("uid not found")
	ErrExistsRegressed     = errors.New("exists count regressed")
	ErrExpungeReferenced   = errors.New("expunge of referenced message")
	ErrVanishedNoQresync   = errors.New("vanished without qresync")
	ErrUnexpectedBye       = errors.New("unexpected bye")
	ErrUnexpectedTag       = errors.New("unexpected tagged reply")
	ErrTagMalformed        = errors.New("malformed tag")
	ErrBadReply            = errors.New("bad reply")
	ErrProtocol            = errors.New("imap protocol error")

	ErrCacheNotFound = errors.New("offline cache entry not found")

	ErrMailboxNotFound = errors.New("mailbox not found")
	ErrUserNotFound    = errors.New("user not found")
	ErrInternalError   = errors.New("internal error")
	ErrNotPermitted    = errors.New("operation not permitted")

	ErrPoolEmpty        = errors.New("client pool is empty")
	ErrPoolDisconnected = errors.New("pool is disconnecting")
)
