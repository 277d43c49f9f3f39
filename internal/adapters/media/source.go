// Package media acquires local mic/camera tracks for call sessions.
// Capture is platform-specific: pion/mediadevices drives V4L2 and malgo on
// Linux; other platforms have no capture drivers wired and report
// ErrUnavailable so the session can surface a media error to the user.
package media

import "errors"

// ErrUnavailable means no usable capture device could be opened.
var ErrUnavailable = errors.New("no media device available")
