/*
Package health implements the readiness probes of the health monitor
(§4.4): HTTP, TCP, and exec checkers behind one Checker interface. Each
checker carries a Label identifying the instance it was built for, so a
failing probe's Result can be traced back to the instance that produced
it without the checker knowing anything about fleet state.

Consecutive-failure accounting and the healthy/degraded/lost transition
itself live on fleet.Instance and internal/controller's reconciliation loop,
which own the fleet lock these probes must never touch directly — a
Checker only ever returns a Result; it does not mutate Instance state.
*/
package health
