package engine

import "errors"

// ErrChannelClosed is returned by Run when one of the core dispatch
// channels (query_req or exec_resp) has been closed. A disconnect
// between core workers is an unrecoverable programmer error: the
// process is expected to abort with a diagnostic message.
var ErrChannelClosed = errors.New("core dispatch channel closed unexpectedly")
