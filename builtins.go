package clockd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/wordclock-io/clockd/internal/command"
	"github.com/wordclock-io/clockd/internal/ota"
	"github.com/wordclock-io/clockd/internal/schema"
	"github.com/wordclock-io/clockd/internal/transition"
	"github.com/wordclock-io/clockd/pkg/wire"
)

// displayNamespace holds display settings in the key/value store.
const displayNamespace = "display"

// envelopeSchemaBody guards the command topic: every inbound message must be
// an envelope with a string command and, optionally, an object of parameters.
const envelopeSchemaBody = `{
	"type": "object",
	"required": ["command"],
	"properties": {
		"command": {"type": "string"},
		"parameters": {"type": "object"}
	}
}`

// transitionSchemaBody guards the transition/set topic.
const transitionSchemaBody = `{
	"type": "object",
	"properties": {
		"duration_ms": {"type": "number", "minimum": 200, "maximum": 5000},
		"enabled": {"type": "boolean"},
		"fade_in": {"type": "string", "enum": ["linear", "ease_in", "ease_out", "ease_in_out", "bounce"]},
		"fade_out": {"type": "string", "enum": ["linear", "ease_in", "ease_out", "ease_in_out", "bounce"]}
	}
}`

// registerBuiltins installs the schemas and commands every device carries.
func (a *App) registerBuiltins() error {
	schemas := []schema.Def{
		{
			Name:         "command_envelope",
			TopicPattern: a.topics.Command,
			Body:         envelopeSchemaBody,
			Enabled:      true,
		},
		{
			Name:         "transition_set",
			TopicPattern: a.topics.TransitionSet,
			Body:         transitionSchemaBody,
			Enabled:      true,
		},
	}
	for _, def := range schemas {
		if err := a.registry.Register(def); err != nil {
			return fmt.Errorf("schema %s: %w", def.Name, err)
		}
	}

	commands := []command.Def{
		{
			Name:        "status",
			Description: "Report device status",
			SchemaName:  "command_envelope",
			Handler:     command.HandlerFunc(a.handleStatus),
			Enabled:     true,
		},
		{
			Name:        "restart",
			Description: "Restart the daemon",
			SchemaName:  "command_envelope",
			Handler:     command.HandlerFunc(a.handleRestart),
			Enabled:     true,
		},
		{
			Name:        "set_brightness",
			Description: "Set display brightness (0-255)",
			SchemaName:  "command_envelope",
			Handler:     command.HandlerFunc(a.handleSetBrightness),
			Enabled:     true,
		},
		{
			Name:        "set_transition",
			Description: "Update the display transition config",
			SchemaName:  "command_envelope",
			Handler:     command.HandlerFunc(a.handleSetTransition),
			Enabled:     true,
		},
		{
			Name:        "get_transition",
			Description: "Report the display transition config",
			SchemaName:  "command_envelope",
			Handler:     command.HandlerFunc(a.handleGetTransition),
			Enabled:     true,
		},
		{
			Name:        "ota_update",
			Description: "Start a firmware update",
			SchemaName:  "command_envelope",
			Handler:     command.HandlerFunc(a.handleOTAUpdate),
			Enabled:     true,
		},
		{
			Name:        "ota_status",
			Description: "Report update progress",
			SchemaName:  "command_envelope",
			Handler:     command.HandlerFunc(a.handleOTAStatus),
			Enabled:     true,
		},
		{
			Name:        "ota_mark_valid",
			Description: "Acknowledge the running image",
			SchemaName:  "command_envelope",
			Handler:     command.HandlerFunc(a.handleOTAMarkValid),
			Enabled:     true,
		},
		{
			Name:        "ota_rollback",
			Description: "Revert to the previous image",
			SchemaName:  "command_envelope",
			Handler:     command.HandlerFunc(a.handleOTARollback),
			Enabled:     true,
		},
		{
			Name:        "error_log",
			Description: "Inspect the persisted error log",
			SchemaName:  "command_envelope",
			Handler:     command.HandlerFunc(a.handleErrorLog),
			Enabled:     true,
		},
	}
	for _, def := range commands {
		if err := a.processor.Register(def); err != nil {
			return fmt.Errorf("command %s: %w", def.Name, err)
		}
	}
	return nil
}

func (a *App) handleStatus(ctx *command.Context) wire.Result {
	doc, err := json.Marshal(a.reporter.Snapshot())
	if err != nil {
		return wire.ResultSystemError
	}
	ctx.Respond(string(doc))
	return wire.ResultSuccess
}

func (a *App) handleRestart(ctx *command.Context) wire.Result {
	ctx.Respond("System restart initiated")
	// Give the response a moment to leave the queue before the process goes.
	go func() {
		time.Sleep(2 * time.Second)
		if err := a.requestRestart(); err != nil {
			a.logger.Error("restart request failed", "error", err)
		}
	}()
	return wire.ResultSuccess
}

func (a *App) handleSetBrightness(ctx *command.Context) wire.Result {
	brightness := ctx.IntParam("brightness", -1)
	if brightness < 0 || brightness > 255 {
		ctx.Respond("brightness must be a number in [0, 255]")
		return wire.ResultInvalidParams
	}
	if err := a.kv.SetU8(displayNamespace, "brightness", uint8(brightness)); err != nil {
		a.logger.Error("brightness persist failed", "error", err)
		return wire.ResultExecutionFailed
	}
	ctx.Respondf("Brightness set to %d", brightness)
	return wire.ResultSuccess
}

func (a *App) handleSetTransition(ctx *command.Context) wire.Result {
	cfg, err := a.transitions.Load()
	if err != nil {
		a.logger.Error("transition load failed", "error", err)
		return wire.ResultExecutionFailed
	}

	if v := ctx.IntParam("duration_ms", -1); v >= 0 {
		cfg.DurationMs = uint16(v)
	}
	cfg.Enabled = ctx.BoolParam("enabled", cfg.Enabled)
	if name := ctx.StringParam("fade_in", ""); name != "" {
		curve, ok := transition.ParseCurve(name)
		if !ok {
			ctx.Respondf("unknown curve: %s", name)
			return wire.ResultInvalidParams
		}
		cfg.FadeInCurve = curve
	}
	if name := ctx.StringParam("fade_out", ""); name != "" {
		curve, ok := transition.ParseCurve(name)
		if !ok {
			ctx.Respondf("unknown curve: %s", name)
			return wire.ResultInvalidParams
		}
		cfg.FadeOutCurve = curve
	}

	if err := a.transitions.Save(cfg); err != nil {
		ctx.Respond(err.Error())
		return wire.ResultInvalidParams
	}
	ctx.Respondf("Transition set: %dms %s/%s enabled=%v",
		cfg.DurationMs, cfg.FadeInCurve, cfg.FadeOutCurve, cfg.Enabled)
	return wire.ResultSuccess
}

func (a *App) handleGetTransition(ctx *command.Context) wire.Result {
	cfg, err := a.transitions.Load()
	if err != nil {
		a.logger.Error("transition load failed", "error", err)
		return wire.ResultExecutionFailed
	}
	doc, err := json.Marshal(map[string]any{
		"duration_ms": cfg.DurationMs,
		"enabled":     cfg.Enabled,
		"fade_in":     cfg.FadeInCurve.String(),
		"fade_out":    cfg.FadeOutCurve.String(),
	})
	if err != nil {
		return wire.ResultSystemError
	}
	ctx.Respond(string(doc))
	return wire.ResultSuccess
}

func (a *App) handleOTAUpdate(ctx *command.Context) wire.Result {
	opts := ota.Options{
		ManifestURL:      ctx.StringParam("url", ""),
		SkipVersionCheck: ctx.BoolParam("skip_version_check", false),
	}
	autoReboot := ctx.BoolParam("auto_reboot", a.cfg.OTA.AutoReboot)
	opts.AutoReboot = &autoReboot

	err := a.controller.StartUpdate(context.Background(), opts)
	switch {
	case errors.Is(err, ota.ErrInvalidState):
		ctx.Respond("update already running")
		return wire.ResultExecutionFailed
	case errors.Is(err, ota.ErrLowMemory):
		ctx.Respond("insufficient free memory for update")
		return wire.ResultExecutionFailed
	case err != nil:
		ctx.Respond(err.Error())
		return wire.ResultExecutionFailed
	}
	ctx.Respond("Update started")
	return wire.ResultSuccess
}

func (a *App) handleOTAStatus(ctx *command.Context) wire.Result {
	p := a.controller.GetProgress()
	doc, err := json.Marshal(map[string]any{
		"state":            p.State.String(),
		"error":            p.Error.String(),
		"version":          p.Version,
		"bytes_downloaded": p.BytesDownloaded,
		"total_bytes":      p.TotalBytes,
		"percent":          p.Percent,
	})
	if err != nil {
		return wire.ResultSystemError
	}
	ctx.Respond(string(doc))
	return wire.ResultSuccess
}

func (a *App) handleOTAMarkValid(ctx *command.Context) wire.Result {
	if err := a.controller.MarkValid(); err != nil {
		a.logger.Error("mark valid failed", "error", err)
		return wire.ResultExecutionFailed
	}
	ctx.Respond("Image marked valid")
	return wire.ResultSuccess
}

func (a *App) handleOTARollback(ctx *command.Context) wire.Result {
	if err := a.controller.TriggerRollback(); err != nil {
		ctx.Respond(err.Error())
		return wire.ResultExecutionFailed
	}
	ctx.Respond("Rollback triggered, restart to apply")
	return wire.ResultSuccess
}

func (a *App) handleErrorLog(ctx *command.Context) wire.Result {
	switch action := ctx.StringParam("action", "stats"); action {
	case "stats":
		st, err := a.elog.Stats()
		if err != nil {
			return wire.ResultExecutionFailed
		}
		doc, err := json.Marshal(st)
		if err != nil {
			return wire.ResultSystemError
		}
		ctx.Respond(string(doc))
		return wire.ResultSuccess

	case "recent":
		count := ctx.IntParam("count", 10)
		entries, err := a.elog.Recent(count)
		if err != nil {
			return wire.ResultExecutionFailed
		}
		out := make([]map[string]any, 0, len(entries))
		for _, e := range entries {
			out = append(out, map[string]any{
				"timestamp": e.Timestamp.Unix(),
				"source":    e.Source,
				"severity":  e.Severity.String(),
				"code":      e.Code,
				"message":   e.Message,
			})
		}
		doc, err := json.Marshal(out)
		if err != nil {
			return wire.ResultSystemError
		}
		ctx.Respond(string(doc))
		return wire.ResultSuccess

	case "clear":
		if err := a.elog.Clear(); err != nil {
			return wire.ResultExecutionFailed
		}
		ctx.Respond("Error log cleared")
		return wire.ResultSuccess

	default:
		ctx.Respondf("unknown action: %s", action)
		return wire.ResultInvalidParams
	}
}

// applyTransitionUpdate handles raw config documents on the transition/set
// topic, the firmware's pre-envelope interface kept for compatibility.
func (a *App) applyTransitionUpdate(payload []byte) {
	if res := a.registry.Validate(a.topics.TransitionSet, payload); !res.OK() {
		a.logger.Warn("transition update rejected",
			"message", res.Message, "path", res.Path)
		return
	}

	var doc struct {
		DurationMs *uint16 `json:"duration_ms"`
		Enabled    *bool   `json:"enabled"`
		FadeIn     *string `json:"fade_in"`
		FadeOut    *string `json:"fade_out"`
	}
	if err := json.Unmarshal(payload, &doc); err != nil {
		a.logger.Warn("transition update undecodable", "error", err)
		return
	}

	cfg, err := a.transitions.Load()
	if err != nil {
		a.logger.Error("transition load failed", "error", err)
		return
	}
	if doc.DurationMs != nil {
		cfg.DurationMs = *doc.DurationMs
	}
	if doc.Enabled != nil {
		cfg.Enabled = *doc.Enabled
	}
	if doc.FadeIn != nil {
		if curve, ok := transition.ParseCurve(*doc.FadeIn); ok {
			cfg.FadeInCurve = curve
		}
	}
	if doc.FadeOut != nil {
		if curve, ok := transition.ParseCurve(*doc.FadeOut); ok {
			cfg.FadeOutCurve = curve
		}
	}
	if err := a.transitions.Save(cfg); err != nil {
		a.logger.Warn("transition update rejected", "error", err)
	}
}
