// Package cluster provides the membership primitives shared by every
// shardex member: member identities, the shutdown signal consulted by long
// running work, the health monitor that detects members which stopped
// answering, and the JSON helpers used by the command line client.
//
// # Overview
//
// A shardex process hosts several members of one cluster. Members exchange
// requests over the messaging bus and share region metadata through the
// region directory. This package holds what those layers agree on:
//
//	          ┌──────────────────────────────┐
//	          │        messaging.Bus         │
//	          └──────┬─────────┬─────────┬───┘
//	                 │         │         │
//	           ┌─────▼───┐ ┌───▼─────┐ ┌─▼───────┐
//	           │ member1 │ │ member2 │ │ member3 │
//	           │ Signal  │ │ Signal  │ │ Signal  │
//	           └─────────┘ └─────────┘ └─────────┘
//	                 ▲         ▲         ▲
//	                 └─────────┼─────────┘
//	                    HealthMonitor
//
// # Core Components
//
// Member and MemberSet identify members and recipient sets.
//
// ShutdownSignal is the CancelCriterion of one member:
//   - Trigger starts the shutdown once; later reasons are ignored
//   - CancelInProgress returns a *CancelError while shutting down
//   - Done is closed when the shutdown begins
//
// CancelError marks work interrupted by a shutdown. IsCancel inspects the
// root cause through github.com/pkg/errors, so wrapped cancellations are
// still recognised.
//
// HealthMonitor probes every member on a fixed interval:
//   - Each member tracks its consecutive failures
//   - After maxFailures failures the member is reported once through the
//     unhealthy callback
//   - A successful probe resets the member to healthy
//
// # Failure Handling
//
// A member reported unhealthy is made to leave the bus. Reply processors
// waiting on it then count it as replied, so a distributed operation never
// blocks on a member that is gone.
//
// # Usage Example
//
//	signal := cluster.NewShutdownSignal("member-1")
//	monitor := cluster.NewHealthMonitor(time.Second, 3, check, logger)
//	monitor.SetOnUnhealthy(bus.Leave)
//	monitor.Start(ctx, bus.Members)
//	defer monitor.Stop()
//
//	if err := signal.CancelInProgress(); err != nil {
//	    return err
//	}
package cluster
