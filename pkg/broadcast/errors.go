package broadcast

import "errors"

// ErrFeedClosed is returned by Publish after Close.
var ErrFeedClosed = errors.New("broadcast: feed is closed")
