package worker

import (
	"errors"

	"github.com/ramify-ai/ramify/pkg/event"
	"github.com/ramify-ai/ramify/pkg/model"
	"github.com/ramify-ai/ramify/pkg/request"
	"github.com/ramify-ai/ramify/pkg/toolexec"
)

// Fold applies one worker event to the machine and republishes any lifecycle
// notifications the transition produced. Every event is appended to the
// active request's trace first, so the record covers events the machine
// ignores as out of phase.
func (d *Delegate) Fold(env event.Envelope) {
	if !env.Kind.IsValid() {
		d.logger.Warn().Str("kind", string(env.Kind)).Str("event_id", env.ID).Msg("Unknown event kind dropped")
		return
	}

	if tr := d.machine.Trace(); tr != nil && tr.RequestID() == env.RequestID {
		truncatedBefore := tr.Truncated()
		if !tr.Append(env) && !truncatedBefore && d.metrics != nil {
			d.metrics.TraceTruncations.Inc()
		}
	}

	wasTerminal := d.machine.Status().IsTerminal()

	var effects []request.Effect

	switch env.Kind {
	case event.KindRequestStarted, event.KindLLMStarted, event.KindToolStarted, event.KindCheckpoint:
		// Trace-only kinds; the machine tracks no per-kind state for them.

	case event.KindLLMDelta:
		kind := model.DeltaText
		if dataString(env.Data, "kind") == string(model.DeltaThinking) {
			kind = model.DeltaThinking
		}
		effects = d.machine.ApplyPartial(env.LLMCallID, dataString(env.Data, "text"), kind)

	case event.KindLLMCompleted:
		if errMsg := dataString(env.Data, "error"); errMsg != "" {
			effects = d.machine.ApplyModelError(env.LLMCallID, errors.New(errMsg))
			break
		}
		effects = d.machine.ApplyModelResult(env.LLMCallID, decodeResponse(env))

	case event.KindToolCompleted:
		effects = d.machine.ApplyToolResult(env.ToolCallID, decodeToolResult(env.Data))

	case event.KindRequestCompleted:
		// A completed event carries the final answer; folding it as a
		// text-only model result drives the machine through its normal
		// completion path. Redundant when the llm_completed event already
		// terminated the machine, and the machine ignores it then.
		effects = d.machine.ApplyModelResult(env.LLMCallID, &model.Response{
			CallID:  env.LLMCallID,
			Content: dataString(env.Data, "result"),
		})

	case event.KindRequestFailed:
		effects = d.machine.Fail(errors.New(dataString(env.Data, "error")))

	case event.KindRequestCancelled:
		effects = d.machine.Cancel(env.RequestID, dataString(env.Data, "reason"))
	}

	publishEffects(d.publisher, effects)
	d.recordTerminal(wasTerminal)

	if env.Kind.IsTerminal() {
		d.mu.Lock()
		if d.handle.Status == HandleRunning {
			d.handle.Status = HandleReady
		}
		d.mu.Unlock()
	}
}

func decodeResponse(env event.Envelope) *model.Response {
	resp := &model.Response{
		CallID:  env.LLMCallID,
		Content: dataString(env.Data, "content"),
	}

	if raw, ok := env.Data["tool_calls"].([]interface{}); ok {
		for _, item := range raw {
			tc, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			call := model.ToolCall{
				ID:   dataString(tc, "id"),
				Name: dataString(tc, "name"),
			}
			if args, ok := tc["arguments"].(map[string]interface{}); ok {
				call.Arguments = args
			}
			resp.ToolCalls = append(resp.ToolCalls, call)
		}
	}

	if u, ok := env.Data["usage"].(map[string]interface{}); ok {
		resp.Usage = &model.Usage{
			InputTokens:  dataInt(u, "input_tokens"),
			OutputTokens: dataInt(u, "output_tokens"),
			TotalTokens:  dataInt(u, "total_tokens"),
		}
	}

	return resp
}

func decodeToolResult(data map[string]interface{}) toolexec.Result {
	result := toolexec.Result{
		Success:   dataBool(data, "success"),
		Error:     dataString(data, "error"),
		ErrorKind: dataString(data, "error_kind"),
		Truncated: dataBool(data, "truncated"),
		Attempts:  dataInt(data, "attempts"),
	}
	if out, ok := data["output"]; ok {
		result.Output = out
	}
	if meta, ok := data["metadata"].(map[string]interface{}); ok {
		result.Metadata = meta
	}
	return result
}

func dataString(data map[string]interface{}, key string) string {
	if data == nil {
		return ""
	}
	s, _ := data[key].(string)
	return s
}

func dataBool(data map[string]interface{}, key string) bool {
	if data == nil {
		return false
	}
	b, _ := data[key].(bool)
	return b
}

// dataInt tolerates float64 since decoded JSON numbers arrive as floats
func dataInt(data map[string]interface{}, key string) int {
	if data == nil {
		return 0
	}
	switch v := data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}
