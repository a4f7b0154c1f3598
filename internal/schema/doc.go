// Package schema provides the device schema registry for the Hame relay.
//
// A schema (Definition) describes one device type: the sub-topics ("publish
// paths") its state is split across, the default state of each path, the
// commands it accepts and how often it should be polled.
//
// Definitions are loaded from YAML. A set of built-in definitions is embedded
// in the binary; operators can add or replace definitions with a file:
//
//	devices:
//	  - device_type: "HMA-1"
//	    poll_command: "cd=1"
//	    messages:
//	      - publish_path: "data"
//	        poll_interval: 60000
//	        default_state: {battery_percentage: 0}
//	        fields: {pe: battery_percentage}
//	        commands:
//	          - command: "refresh"
//	            payload: "cd=1"
//
// # Thread Safety
//
// The Registry is safe for concurrent use. Lookup returns deep copies so
// callers can never mutate registered definitions.
package schema
