package tools

import (
	"context"
	"fmt"
	"strings"
)

// BuiltinDeps is what the built-in handlers act through.
type BuiltinDeps struct {
	// Publish emits an event on the session bus.
	Publish func(topic string, payload any)
	// SetActiveNote / ClearActiveNote mutate room-scoped note state.
	SetActiveNote   func(ctx context.Context, noteID, ownerUserID, title string) error
	ClearActiveNote func(ctx context.Context) error
	// RequestWrapup asks the flow to transition to wrapup.
	RequestWrapup func(reason string)
}

// Builtins is the statically enumerated tool set. Feature-flagged tools are
// dropped at session start unless the session supports the flag.
func Builtins(deps BuiltinDeps) []Entry {
	publish := deps.Publish
	if publish == nil {
		publish = func(string, any) {}
	}

	return []Entry{
		{
			Name:        "show_ui_panel",
			Description: "Open a named UI panel for everyone in the room.",
			Parameters: Schema{
				Properties: map[string]Property{
					"panel": {Type: "string", Description: "Panel identifier to open."},
				},
				Required: []string{"panel"},
			},
			Passthrough: true,
			Handler: func(_ context.Context, args map[string]any) (any, error) {
				panel := stringArg(args, "panel")
				if panel == "" {
					return nil, fmt.Errorf("panel is required")
				}
				publish("llm.context.message", map[string]any{"kind": "ui.panel.show", "panel": panel})
				return map[string]any{"status": "ok", "panel": panel}, nil
			},
		},
		{
			Name:        "open_note",
			Description: "Open a note for the room and make it the active note context.",
			FeatureFlag: "notes",
			Parameters: Schema{
				Properties: map[string]Property{
					"noteId":      {Type: "string", Description: "Identifier of the note to open."},
					"ownerUserId": {Type: "string", Description: "Session user id of the note owner."},
					"title":       {Type: "string", Description: "Display title of the note."},
				},
				Required: []string{"noteId", "ownerUserId"},
			},
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				noteID := stringArg(args, "noteId")
				owner := stringArg(args, "ownerUserId")
				if noteID == "" || owner == "" {
					return nil, fmt.Errorf("noteId and ownerUserId are required")
				}
				if deps.SetActiveNote != nil {
					if err := deps.SetActiveNote(ctx, noteID, owner, stringArg(args, "title")); err != nil {
						return nil, err
					}
				}
				return map[string]any{"status": "ok", "noteId": noteID}, nil
			},
		},
		{
			Name:        "close_note",
			Description: "Close the room's active note.",
			FeatureFlag: "notes",
			Handler: func(ctx context.Context, _ map[string]any) (any, error) {
				if deps.ClearActiveNote != nil {
					if err := deps.ClearActiveNote(ctx); err != nil {
						return nil, err
					}
				}
				return map[string]any{"status": "ok"}, nil
			},
		},
		{
			Name:        "start_wonder",
			Description: "Start an interactive wonder experience for the room.",
			FeatureFlag: "wonder",
			Parameters: Schema{
				Properties: map[string]Property{
					"topic": {Type: "string", Description: "Topic to explore."},
				},
			},
			Passthrough: true,
			Handler: func(_ context.Context, args map[string]any) (any, error) {
				publish("llm.context.message", map[string]any{"kind": "wonder.start", "topic": stringArg(args, "topic")})
				return map[string]any{"status": "ok"}, nil
			},
		},
		{
			Name:        "end_conversation",
			Description: "Wrap up the conversation and say goodbye.",
			Handler: func(_ context.Context, _ map[string]any) (any, error) {
				if deps.RequestWrapup != nil {
					deps.RequestWrapup("tool")
				}
				return map[string]any{"status": "ok"}, nil
			},
		},
	}
}

func stringArg(args map[string]any, key string) string {
	if args == nil {
		return ""
	}
	if v, ok := args[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}
