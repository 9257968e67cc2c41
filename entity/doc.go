// Package entity manages the named driver objects a scenario operates on.
//
// A Registry owns every entity created by a scenario's createEntities
// section: clients with their event and log recorders, databases,
// collections, sessions, GridFS buckets, client-encryption handles,
// background threads, cursors, and the plain values and document lists
// scenarios store by name. Entities are created in declaration order,
// looked up by id during operation dispatch, and torn down in reverse
// order when the scenario finishes.
package entity
