// Package config loads module registries: the file that declares which
// modules the kernel manages, how they depend on each other and how the
// kernel reacts to their failures.
//
// Registries are written in YAML, JSON or CUE. CUE documents are unified
// with a closed schema before decoding; all formats are then validated with
// struct tags and by building the dependency graph, so a registry that
// loads is one the kernel accepts.
//
//	modules:
//	  - name: fieldbus
//	    kind: starlark
//	    script: fieldbus.star
//	    failure_behavior: restart_with_dependents
//	    max_restarts: 3
//	    restart_window: 5m
//	  - name: plc
//	    depends_on: [fieldbus]
//	  - name: bridge
//	    kind: wasm
//	    script: bridge.wasm
//	    depends_on: [plc]
//
// The script of a starlark or wasm module is resolved relative to the
// registry file.
//
// Watcher hot-reloads a registry file with fsnotify, debouncing bursts of
// events, and hands each valid revision to a callback such as
// ModuleManager.Reconfigure.
package config
