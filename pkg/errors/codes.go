// Package errors defines error code constants for the actor.
// Each error code includes a unique identifier, error type,
// and message template for consistent error handling.
package errors

// ErrorCode represents a structured error code definition
type ErrorCode struct {
	Code    string
	Type    ErrorType
	Message string
}

// ============================================================================
// Batch Errors (BATCH_xxx)
// ============================================================================

var (
	// ErrBatchMissingKey indicates a required tensor is absent from the batch
	ErrBatchMissingKey = ErrorCode{
		Code:    "BATCH_001",
		Type:    ErrorTypeValidation,
		Message: "Batch is missing tensor %q",
	}

	// ErrBatchSizeMismatch indicates tensors disagree on the example dimension
	ErrBatchSizeMismatch = ErrorCode{
		Code:    "BATCH_002",
		Type:    ErrorTypeValidation,
		Message: "Tensor %q has %d rows, batch has %d",
	}

	// ErrBatchEmptySequence indicates an example without any valid position
	ErrBatchEmptySequence = ErrorCode{
		Code:    "BATCH_003",
		Type:    ErrorTypePrecondition,
		Message: "Example %d has no valid positions",
	}

	// ErrBatchResponseTooLong indicates R > S
	ErrBatchResponseTooLong = ErrorCode{
		Code:    "BATCH_004",
		Type:    ErrorTypeValidation,
		Message: "Response length %d exceeds sequence length %d",
	}

	// ErrBatchIndivisible indicates a fixed split that does not divide evenly
	ErrBatchIndivisible = ErrorCode{
		Code:    "BATCH_005",
		Type:    ErrorTypePrecondition,
		Message: "Batch of %d examples is not divisible into chunks of %d",
	}
)

// ============================================================================
// Training Errors (TRAIN_xxx)
// ============================================================================

var (
	// ErrTrainShapeMismatch indicates tensors with incompatible shapes
	ErrTrainShapeMismatch = ErrorCode{
		Code:    "TRAIN_001",
		Type:    ErrorTypePrecondition,
		Message: "Shape mismatch: %s",
	}

	// ErrTrainPermutationMismatch indicates a permutation that is not a bijection over the result
	ErrTrainPermutationMismatch = ErrorCode{
		Code:    "TRAIN_002",
		Type:    ErrorTypePrecondition,
		Message: "Permutation of %d indices cannot restore %d rows",
	}

	// ErrTrainUnsupportedMode indicates an unknown objective, aggregation or estimator
	ErrTrainUnsupportedMode = ErrorCode{
		Code:    "TRAIN_003",
		Type:    ErrorTypeUnsupported,
		Message: "Unsupported %s: %q",
	}

	// ErrTrainTokenBudget indicates a sequence longer than the micro-batch token budget
	ErrTrainTokenBudget = ErrorCode{
		Code:    "TRAIN_004",
		Type:    ErrorTypePrecondition,
		Message: "Sequence of %d tokens exceeds token budget %d",
	}

	// ErrTrainModelForward indicates the model collaborator failed
	ErrTrainModelForward = ErrorCode{
		Code:    "TRAIN_005",
		Type:    ErrorTypeInfrastructure,
		Message: "Model %s failed",
	}

	// ErrTrainCollective indicates a collective operation failed
	ErrTrainCollective = ErrorCode{
		Code:    "TRAIN_006",
		Type:    ErrorTypeInfrastructure,
		Message: "Collective %s failed",
	}

	// ErrTrainInvalidConfig indicates an inconsistent actor configuration
	ErrTrainInvalidConfig = ErrorCode{
		Code:    "TRAIN_007",
		Type:    ErrorTypeValidation,
		Message: "Invalid actor configuration: %s",
	}
)

// ============================================================================
// System Errors (SYS_xxx)
// ============================================================================

var (
	// ErrSysConfigurationError indicates system configuration error
	ErrSysConfigurationError = ErrorCode{
		Code:    "SYS_004",
		Type:    ErrorTypeInternal,
		Message: "System configuration error",
	}

	// ErrSysPublishFailed indicates a metrics publication failure
	ErrSysPublishFailed = ErrorCode{
		Code:    "SYS_005",
		Type:    ErrorTypeInfrastructure,
		Message: "Failed to publish %s",
	}
)

// NewFromCode creates an AppError from an ErrorCode
func NewFromCode(ec ErrorCode) *AppError {
	return New(ec.Code, ec.Type, ec.Message)
}

// NewFromCodef creates an AppError from an ErrorCode with formatted message
func NewFromCodef(ec ErrorCode, args ...interface{}) *AppError {
	return Newf(ec.Code, ec.Type, ec.Message, args...)
}

//Personal.AI order the ending
