// Package registry maps command names to descriptors and handlers.
//
// Commands enter the registry either directly through Register or through
// Discover, which walks an explicit catalog of candidate types, validates
// each one and instantiates it through its no-argument constructor.
package registry
