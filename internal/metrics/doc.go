// Package metrics exposes coordinator activity as Prometheus collectors.
//
// Every counter here is fed by a real event (a step attempt, a breaker
// transition, a published report); nothing is sampled or simulated.
package metrics
