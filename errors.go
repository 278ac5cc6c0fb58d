package everyauth

import "github.com/everyauth/everyauth-go/internal/errs"

// Sentinel errors surfaced by the library, for use with errors.Is.
var (
	// ErrAmbiguousIdentity: a selector expected to identify at most one
	// identity matched several. Never auto-resolved; list the matches with
	// GetIdentities and remove the redundant record.
	ErrAmbiguousIdentity = errs.ErrAmbiguousIdentity

	// ErrAmbiguousInstall: the analogous condition for installs, detected
	// during session start or delete cascades.
	ErrAmbiguousInstall = errs.ErrAmbiguousInstall

	// ErrNotFound: a record addressed by id does not exist on the broker.
	ErrNotFound = errs.ErrNotFound

	// ErrInvalidSelector: an operation was given an empty selector that
	// would otherwise match everything.
	ErrInvalidSelector = errs.ErrInvalidSelector

	// ErrBrokerRequest: the broker answered a required call with a non-2xx
	// status.
	ErrBrokerRequest = errs.ErrBrokerRequest

	// ErrBrokerTimeout: a committed session produced no output within the
	// configured poll timeout.
	ErrBrokerTimeout = errs.ErrBrokerTimeout

	// ErrNoProfile: no broker profile could be discovered from the
	// environment or filesystem.
	ErrNoProfile = errs.ErrNoProfile
)
