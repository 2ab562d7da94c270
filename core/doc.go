// Package core contains the canonical session lifecycle contracts, entities,
// and orchestration logic. Satellite packages must depend on this package;
// core must not depend on gateway-specific or storage-specific adapters.
package core
