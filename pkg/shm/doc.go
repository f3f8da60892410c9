// Package shm implements a bounded, half-duplex text channel between two
// processes over a named shared memory segment.
//
// Both processes open the same name. The initiator holds the first write
// turn; after that the turn passes back and forth with every message, so each
// side alternates Send and Receive. Waiting for a turn blocks in the kernel
// on the segment's state word (a futex on Linux) or polls with exponential
// backoff, and is always bounded by a deadline.
//
// Example usage:
//
//	cfg := shm.DefaultConfig()
//	cfg.Name = "chat"
//	ep, err := shm.Open(ctx, cfg)
//	if err != nil {
//		return err
//	}
//	defer ep.Close()
//	if _, err := ep.Send(ctx, "hello"); err != nil {
//		return err
//	}
//	reply, err := ep.Receive(ctx)
//
// Endpoints record Prometheus metrics (see NewMetrics) and accept an
// OpenTelemetry meter and tracer through Config.
package shm
