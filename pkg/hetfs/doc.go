// Package hetfs is a Go client for the hetfs-tiering service over NATS.
//
// I/O paths use it to report block accesses and write placements; operator
// tools use it to inspect files and trigger analysis.
//
// # Basic Usage
//
//	nc, _ := nats.Connect("nats://localhost:4222")
//	client, _ := hetfs.New(hetfs.Config{NC: nc})
//
//	// Fire-and-forget reporting from the I/O path
//	client.ReportAccess(ctx, hetfs.AccessEvent{File: "/data/a", Op: hetfs.OpRead, Block: 42})
//
//	// Operator calls
//	reqs, _ := client.Analyze(ctx, "/data/a", nil)
//	for _, r := range reqs {
//		fmt.Println(r.File, r.FirstBlock, r.LastBlock)
//	}
//
// # Durable Reporting
//
// When [Config.JS] is set together with the event subjects, reports are
// published through JetStream and wait for the stream's acknowledgement. The
// service consumes them with a durable consumer, so no event is lost while it
// restarts.
//
// # Service Subjects
//
//	hetfs.cmd.{op}      request-reply operator commands
//	hetfs.access        access events (core NATS)
//	hetfs.placement     placement events (core NATS)
//
// The prefix defaults to "hetfs" and can be changed with
// [Config.SubjectPrefix].
package hetfs
