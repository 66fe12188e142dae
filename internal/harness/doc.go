// Package harness runs multi-device sync scenarios against real engines.
//
// Every device in a scenario gets its own in-memory store, queue, clock and
// id generator. All devices share one in-memory remote, and each reaches it
// through its own connectivity gate, so scenarios can take single devices
// offline.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: scenario_name
//	description: "What this scenario validates"
//	start: 1000            # initial clock reading (unix ms) on every device
//	devices: [phone, tablet]
//	steps:
//	  - device: phone
//	    op: offline
//	  - device: phone
//	    op: set_weight
//	    args: { id: w1, date: "2026-03-01", weight_kg: 70.5 }
//	  - op: tick
//	    args: { ms: 1000 }
//	  - device: tablet
//	    op: log_meal
//	    args: { name: "", calories: 100 }
//	    expect:
//	      case: invalid_input
//	assertions:
//	  - type: queue_len
//	    device: phone
//	    count: 1
//	  - type: local_record
//	    device: tablet
//	    table: weight
//	    id: w1
//	    expect: { weight_kg: 70.5 }
//
// # Operations
//
//   - log_meal, set_weight: save a record (args: the record's JSON fields)
//   - delete_meal, delete_weight: tombstone a record (args: id)
//   - set_goal: replace the goal (args: the goal's JSON fields)
//   - offline, online: toggle the device's connectivity
//   - flush, pull, sync: run one pass of the engine
//   - streak: run the monthly reset and freeze pass as of the device clock
//   - tick: advance clocks by args.ms; every device unless one is named
//
// # Assertion Types
//
//   - queue_len: the device's mutation queue holds exactly count entries
//   - local_record: a live local record matches expect (or is absent)
//   - remote_record: the shared remote's record matches expect
//   - meal_count: the device has count live meals on date
//   - converged: every device holds the same live records for table
//
// # Deterministic Testing
//
// Clocks only move on tick and ids come from per-device sequences
// ("<device>-1", "<device>-2", ...), so traces are identical across runs
// and can be compared against golden files with RunWithGolden.
package harness
