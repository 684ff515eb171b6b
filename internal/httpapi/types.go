package httpapi

import "github.com/tarsy-labs/funcrun/internal/types"

// deployRequest is the body of POST /deploy (§4.2).
type deployRequest struct {
	FunctionName string            `json:"functionName"`
	Code         string            `json:"code"`
	Env          map[string]string `json:"env,omitempty"`
}

// emitEventRequest is the body of POST /emit-event (§4.2).
type emitEventRequest struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// dbNotifyRequest is the body of POST /db-notify (§4.2).
type dbNotifyRequest struct {
	Channel string `json:"channel"`
	Payload string `json:"payload,omitempty"`
}

// webhookRequest is the body of POST /webhook/{name} (§4.2).
type webhookRequest struct {
	Payload     any               `json:"payload"`
	EnvVars     map[string]string `json:"env_vars,omitempty"`
	ExecutionID string            `json:"execution_id"`
	DeliveryID  string            `json:"delivery_id"`
}

// functionSummary is the §4.2 /functions and /function-status/{name}
// response shape, enriched per SPEC_FULL.md §7 with source_path, the env
// var key set (values withheld so listings cannot leak secrets), and the
// function's triggers.
type functionSummary struct {
	Name         string            `json:"name"`
	Description  string            `json:"description"`
	SourcePath   string            `json:"source_path"`
	EnvVarKeys   []string          `json:"env_vars"`
	Triggers     []triggerSummary  `json:"triggers"`
	RunOnce      bool              `json:"run_once"`
	LastRunAt    *string           `json:"last_run_at,omitempty"`
	RunCount     int64             `json:"run_count"`
	HasCompleted bool              `json:"has_completed"`
	LastError    string            `json:"last_error,omitempty"`
}

// triggerSummary renders one of the §3 trigger descriptor variants as JSON;
// only the fields relevant to Type are populated.
type triggerSummary struct {
	Type       string   `json:"type"`
	Methods    []string `json:"methods,omitempty"`
	Cron       string   `json:"cron,omitempty"`
	Name       string   `json:"name,omitempty"`
	Table      string   `json:"table,omitempty"`
	Operations []string `json:"operations,omitempty"`
	Channel    string   `json:"channel,omitempty"`
	Event      string   `json:"event,omitempty"`
	Condition  string   `json:"condition,omitempty"`
	Method     string   `json:"method,omitempty"`
}

// summarizeTriggers renders a function record's triggers for §4.2's
// /functions and /function-status/{name} responses (§7).
func summarizeTriggers(triggers []types.Trigger) []triggerSummary {
	out := make([]triggerSummary, 0, len(triggers))
	for _, t := range triggers {
		switch v := t.(type) {
		case types.HTTPTrigger:
			out = append(out, triggerSummary{Type: "http", Methods: v.Methods})
		case types.ScheduleTrigger:
			out = append(out, triggerSummary{Type: "schedule", Cron: v.Cron, Name: v.Name})
		case types.DatabaseTrigger:
			out = append(out, triggerSummary{Type: "database", Table: v.Table, Operations: v.Operations, Channel: v.Channel})
		case types.EventTrigger:
			out = append(out, triggerSummary{Type: "event", Event: v.Event})
		case types.OnceTrigger:
			out = append(out, triggerSummary{Type: "once", Condition: v.Condition})
		case types.WebhookTrigger:
			out = append(out, triggerSummary{Type: "webhook", Method: v.Method})
		}
	}
	return out
}

// healthResponse is the §4.2 /health response shape, enriched per
// SPEC_FULL.md §7 with DB bridge connectivity.
type healthResponse struct {
	Status           string   `json:"status"`
	Version          string   `json:"version"`
	FunctionCount    int      `json:"function_count"`
	DBConnected      bool     `json:"db_connected"`
	ListenedChannels []string `json:"listened_channels"`
}
