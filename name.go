package pipelinekit

// Name identifies a middleware, handler, or chain for debugging, tracing,
// and error paths. Using this alias (rather than a wrapper type) encourages
// storing names as constants while still allowing plain string literals,
// matching the teacher library's own Name = string convention.
type Name = string

// Priority orders middleware within a chain. Smaller values run earlier.
// Kept as a plain int (rather than a dedicated enum) so callers can offset
// bands arithmetically, e.g. PriorityValidation + 5.
type Priority = int

// Priority bands, informative per the engine's execution-phase convention.
const (
	PriorityAuthentication Priority = 100
	PriorityValidation     Priority = 200
	PriorityPreProcessing  Priority = 300
	PriorityProcessing     Priority = 400
	PriorityPostProcessing Priority = 500
	PriorityErrorHandling  Priority = 600
	PriorityCustom         Priority = 1000
)
