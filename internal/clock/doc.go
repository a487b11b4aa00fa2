// Package clock abstracts the current time.
//
// Components that compute durations, uptimes or cooldowns take a Clock in
// their options and fall back to the wall clock through OrSystem. Tests pass
// a *Fake and move it with Advance.
package clock
