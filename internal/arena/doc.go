// Package arena tracks the units of one size-class arena.
//
// Each arena keeps two views of its units:
//
//   - a durable used-bitmap that mirrors the persisted arena header and only
//     changes when a committed transaction is applied, and
//   - an address-ordered list of free runs that additionally excludes units
//     handed out by Reserve but not yet committed.
//
// Reserve is first-fit on the free runs, so the lowest free unit is always
// returned first. Returning a unit merges it with its neighbours. All methods
// are safe for concurrent use; each Arena has its own lock.
package arena
