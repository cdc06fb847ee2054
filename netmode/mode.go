// Package netmode decides whether engine operations may touch the network
// given current connectivity, and tracks the connectivity signal itself.
package netmode

// Mode is the per-entry policy governing network access.
type Mode int

const (
	// ModeOnline only fetches while the device is online; offline fetches
	// wait for connectivity. This is the default.
	ModeOnline Mode = iota
	// ModeOfflineFirst serves cached data while offline when available,
	// otherwise waits for connectivity.
	ModeOfflineFirst
	// ModeAlways ignores the connectivity signal entirely (e.g. localhost
	// backends).
	ModeAlways
)

// String returns a string representation of the mode
func (m Mode) String() string {
	switch m {
	case ModeOnline:
		return "online"
	case ModeOfflineFirst:
		return "offlineFirst"
	case ModeAlways:
		return "always"
	default:
		return "unknown"
	}
}

// Decision is the outcome of resolving a mode against connectivity.
type Decision int

const (
	// Proceed means the network call may be issued now.
	Proceed Decision = iota
	// ServeCached means the call should complete with existing cached data
	// and issue no network call.
	ServeCached
	// WaitForOnline means the call must suspend until connectivity returns.
	WaitForOnline
)

// String returns a string representation of the decision
func (d Decision) String() string {
	switch d {
	case Proceed:
		return "proceed"
	case ServeCached:
		return "serveCached"
	case WaitForOnline:
		return "waitForOnline"
	default:
		return "unknown"
	}
}

// Resolve applies the network-mode gate:
//
//	mode         | online  | offline
//	online       | proceed | wait
//	offlineFirst | proceed | serve cached if present, else wait
//	always       | proceed | proceed
func Resolve(mode Mode, online, hasCached bool) Decision {
	if mode == ModeAlways || online {
		return Proceed
	}
	if mode == ModeOfflineFirst && hasCached {
		return ServeCached
	}
	return WaitForOnline
}
