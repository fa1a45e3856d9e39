package tools

import (
	"encoding/json"
	"fmt"
)

const (
	ErrorCodeInterrupted       = "interrupted"
	ErrorCodeAborted           = "aborted"
	ErrorCodeDuplicateSubagent = "duplicate_subagent"
	ErrorCodeUnknownTool       = "unknown_tool"
	ErrorCodeInvalidArguments  = "invalid_arguments"
	ErrorCodeExecution         = "execution_failed"
)

// ErrorOutput renders the JSON error body returned to the model.
func ErrorOutput(code string, message string) string {
	b, err := json.Marshal(map[string]string{"error": code, "message": message})
	if err != nil {
		return fmt.Sprintf(`{"error": %q}`, code)
	}
	return string(b)
}

// JSONOutput renders v as a tool output, falling back to an error body.
func JSONOutput(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ErrorOutput(ErrorCodeExecution, err.Error())
	}
	return string(b)
}

func Failure(callID string, code string, message string) Result {
	return Result{CallID: callID, Output: ErrorOutput(code, message)}
}

func Success(callID string, output string) Result {
	return Result{CallID: callID, Output: output, Success: true}
}

func Interrupted(callID string) Result {
	return Failure(callID, ErrorCodeInterrupted, "Cancelled by user")
}

func Aborted(callID string) Result {
	return Failure(callID, ErrorCodeAborted, "Operation aborted by user")
}

func DuplicateDelegation(callID string) Result {
	return Failure(callID, ErrorCodeDuplicateSubagent,
		"Only one subagent can be spawned per turn. A subagent was already spawned in this batch.")
}
