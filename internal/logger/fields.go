package logger

// Fields is an alias for map[string]interface{} for convenience.
type Fields map[string]interface{}

// ============================================
// Standard Tracing Fields (Context level)
// These fields are propagated through the call chain
// ============================================

const (
	// FieldRequestID is the HTTP request ID (UUID)
	FieldRequestID = "request_id"

	// FieldJobID is the extraction job ID
	FieldJobID = "job_id"

	// FieldDocumentRef is the document (report) identifier
	FieldDocumentRef = "document_ref"

	// FieldStage is the pipeline stage name
	FieldStage = "stage"

	// FieldUnit is the text unit name (burial marker or synthetic unit)
	FieldUnit = "unit"

	// FieldKind is the entity kind being extracted
	FieldKind = "kind"

	// FieldComponent is the component/module name
	FieldComponent = "component"
)

// ============================================
// Standard Metric Fields (Entry level)
// These fields are used for aggregation and alerting
// ============================================

const (
	// FieldDurationMs is the execution duration in milliseconds
	FieldDurationMs = "duration_ms"

	// FieldCount is a generic count field
	FieldCount = "count"

	// FieldSize is the data size in bytes
	FieldSize = "size"

	// FieldStatus is the operation status
	FieldStatus = "status"
)
