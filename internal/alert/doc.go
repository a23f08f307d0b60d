// Package alert turns elapsed inactivity into notification decisions.
//
// It holds three pieces:
//   - Classify maps elapsed inactivity onto a Level using a Policy.
//   - Decide is the per (subject, observer) state machine. It is pure: given the
//     previous State, the new Level, the Policy and the current time it returns
//     the next State and whether to notify.
//   - Tracker serializes Decide per pair with a striped mutex and persists the
//     result through a StateStore.
//
// Levels are ordered normal < warning < danger < emergency. An escalation
// always notifies once; an unchanged level notifies again only when the
// level's repeat interval is positive and has elapsed; a partial recovery
// never notifies; a return to normal resets the episode.
package alert
