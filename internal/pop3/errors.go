package pop3

import "errors"

var (
	// ErrNoSuchMessage is returned for message numbers outside the snapshot.
	ErrNoSuchMessage = errors.New("no such message")

	// ErrMessageDeleted is returned for messages already marked deleted in
	// this session.
	ErrMessageDeleted = errors.New("message already deleted")

	// ErrInboxNotInitialized is returned when transaction commands run
	// before authentication populated the snapshot.
	ErrInboxNotInitialized = errors.New("inbox not initialized")
)
