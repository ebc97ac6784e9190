package toolexec

// MergeContext builds the effective tool context for one call: base entries
// first, run entries over them (run wins on key collision), then the
// call-scoped fields. Inputs are never mutated.
func MergeContext(base, run map[string]interface{}, scope CallScope) map[string]interface{} {
	merged := make(map[string]interface{}, len(base)+len(run)+3)

	for k, v := range base {
		merged[k] = v
	}
	for k, v := range run {
		merged[k] = v
	}

	merged["call_id"] = scope.CallID
	merged["request_id"] = scope.RequestID
	merged["iteration"] = scope.Iteration

	return merged
}
