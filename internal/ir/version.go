package ir

// Version constants for rule documents and the engine.
const (
	// SchemaVersion is the rule document schema version this engine
	// validates natively. Other versions need a registered adapter.
	SchemaVersion = "1.0"

	// EngineVersion is recorded in every trace so replays can detect
	// semantic drift between engine releases.
	EngineVersion = "0.3.0"
)
