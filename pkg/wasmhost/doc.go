// Package wasmhost runs WebAssembly guests as kernel modules.
//
// A guest is a WASI reactor that may export any of these functions, each
// with the signature () -> i32 where zero means success:
//
//	initialize    called once per incarnation after instantiation
//	start         brings the module up
//	stop          shuts it down; the instance is discarded afterwards
//	health_check  a non-zero result reports the module unhealthy
//
// Missing exports are treated as successful no-ops. Guests may import
// env.log(level, ptr, len) to write through the host logger and
// env.fail(ptr, len) to attach a reason to the next non-zero status.
// Module settings reach the guest as MODKERNEL_<KEY> environment variables.
//
// Every Initialize creates a fresh instance from the compiled module, so
// a restarted module never observes memory left behind by a failed one.
package wasmhost
