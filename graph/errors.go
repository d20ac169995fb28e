// Package graph implements the Graph Store: an in-memory DAG of agent node
// ids with cycle-safe mutation primitives and topological ordering.
//
// The store is a pair (nodes, edges) — edges map a source id to an ordered
// list of target ids. Mutations that would introduce a cycle are rejected
// and leave the store byte-for-byte as it was before the call.
package graph

import "errors"

// ErrCycleDetected is returned when a mutation would introduce a cycle.
var ErrCycleDetected = errors.New("graph: cycle detected")

// ErrInvalidNode is returned when an operation references a node id that
// does not exist in the store.
var ErrInvalidNode = errors.New("graph: invalid node")

// ErrEdgeNotFound is returned by RemoveEdge when the edge is absent.
var ErrEdgeNotFound = errors.New("graph: edge not found")
