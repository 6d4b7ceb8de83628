package schemas

import "errors"

// -- Error Taxonomy --

var (
	// ErrAuthFailure covers bad credentials and login outcomes that could not be
	// classified before the login timeout.
	ErrAuthFailure = errors.New("authentication failed")
	// ErrNotLoggedIn is returned by operations that need an authenticated session.
	ErrNotLoggedIn = errors.New("session is not logged in")
	// ErrNavigation means the editor page could not be reached.
	ErrNavigation = errors.New("navigation failed")
	// ErrContentInjection means an essential content stage (title or body) failed.
	ErrContentInjection = errors.New("content injection failed")
	// ErrLocatorMiss means every locator strategy for an element missed.
	ErrLocatorMiss = errors.New("element not located")
	// ErrScheduling means the date/time picker could not be driven to the target.
	ErrScheduling = errors.New("scheduling failed")
	// ErrPublish means the publish or confirm control could not be triggered.
	ErrPublish = errors.New("publish action failed")
	// ErrInvalidOptions rejects publish options before any browser work.
	ErrInvalidOptions = errors.New("invalid publish options")
	// ErrInvalidContent rejects a content payload before any browser work.
	ErrInvalidContent = errors.New("invalid content payload")
	// ErrSessionLost is a transport fault: the browser connection is gone.
	ErrSessionLost = errors.New("browser session lost")
	// ErrSessionClosed is returned by every primitive after teardown.
	ErrSessionClosed = errors.New("browser session closed")
)
