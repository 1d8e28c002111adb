// Package domain defines the shared error vocabulary of the attribution
// engine.
//
// This package contains pure domain types with no dependencies outside the
// Go standard library. Engine, model and service packages wrap these
// sentinels so callers can classify failures with errors.Is without
// coupling to any one layer. The dependency direction is always:
//
//	Infrastructure → Domain (CORRECT)
//	Domain → Infrastructure (FORBIDDEN)
package domain
