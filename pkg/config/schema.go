package config

// registrySchema constrains CUE registry files. Definitions are closed, so
// unknown fields are rejected the same way the YAML and JSON decoders do.
const registrySchema = `
#Duration: string & =~"^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$" | number

#Module: {
	name:              string & =~"^[a-zA-Z0-9_.-]+$"
	kind?:             "noop" | "starlark" | "wasm"
	script?:           string
	depends_on?:       [...string]
	start_behavior?:   "manual" | "automatic"
	failure_behavior?: "ignore" | "restart" | "restart_with_dependents" | "stop_dependents"
	max_restarts?:     int & >=0
	restart_window?:   #Duration
	start_timeout?:    #Duration
	stop_timeout?:     #Duration
	settings?: {...}
}

#Kernel: {
	max_parallel?:          int & >=0
	executor_workers?:      int & >=0
	default_start_timeout?: #Duration
	default_stop_timeout?:  #Duration
	health_check_interval?: string | number
	health_check_timeout?:  #Duration
	housekeeping_interval?: string | number
	notification_buffer?:   int & >=0
	journal?:               string
}

#Registry: {
	kernel?: #Kernel
	modules: [...#Module]
}
`
