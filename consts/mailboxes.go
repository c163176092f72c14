package consts

const MailboxDelimiter = '/'

const MAILBOX_INBOX = "INBOX"
const MAILBOX_SENT = "Sent"
const MAILBOX_DRAFTS = "Drafts"
const MAILBOX_ARCHIVE = "Archive"
const MAILBOX_JUNK = "Junk"
const MAILBOX_TRASH = "Trash"

var DefaultMailboxes = []string{
	MAILBOX_INBOX,
	MAILBOX_SENT,
	MAILBOX_DRAFTS,
	MAILBOX_ARCHIVE,
	MAILBOX_JUNK,
	MAILBOX_TRASH,
}
