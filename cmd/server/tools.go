package main

import (
	"context"
	"encoding/json"

	"github.com/browsermcp/server/lib/artifacts"
	"github.com/browsermcp/server/lib/httpfetch"
	"github.com/browsermcp/server/lib/kinderr"
	"github.com/browsermcp/server/lib/logger"
	"github.com/browsermcp/server/lib/nettrace"
	"github.com/browsermcp/server/lib/rpcio"
	"github.com/browsermcp/server/lib/session"
	"github.com/browsermcp/server/lib/telemetry"
)

// registerTools wires the built-in tool set: telemetry, net tracing, the
// artifact store, agent memory, allow-listed fetch and recovery. Page-level
// interaction tools (navigate, click, ...) are registered by the handler
// layer on top of the same session manager.
func registerTools(srv *rpcio.Server, manager *session.Manager, store *artifacts.Store, fetcher *httpfetch.Fetcher) {
	objectSchema := func(props map[string]any) map[string]any {
		return map[string]any{"type": "object", "properties": props}
	}

	srv.Register("telemetry_snapshot",
		"Bounded snapshot of the session tab's console, errors, network and dialog buffers",
		objectSchema(map[string]any{
			"since":  map[string]any{"type": "integer"},
			"offset": map[string]any{"type": "integer"},
			"limit":  map[string]any{"type": "integer"},
		}),
		func(ctx context.Context, args json.RawMessage) (any, error) {
			var params struct {
				Since  int64 `json:"since"`
				Offset int   `json:"offset"`
				Limit  int   `json:"limit"`
			}
			parseArgs(args, &params)
			sess, err := manager.GetSession(ctx)
			if err != nil {
				return nil, err
			}
			defer sess.Close()
			snap := manager.Telemetry(sess.TabID()).Snapshot(telemetry.SnapshotRequest{
				Since: params.Since, Offset: params.Offset, Limit: params.Limit,
			})
			return snap, nil
		})

	srv.Register("net_trace",
		"Redacted trace of completed network requests, with optional body capture into an artifact",
		objectSchema(map[string]any{
			"include": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"exclude": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"types":   map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"capture": map[string]any{"type": "string", "enum": []string{"meta", "request", "body", "all"}},
			"since":   map[string]any{"type": "integer"},
			"limit":   map[string]any{"type": "integer"},
		}),
		func(ctx context.Context, args json.RawMessage) (any, error) {
			var params struct {
				Include []string `json:"include"`
				Exclude []string `json:"exclude"`
				Types   []string `json:"types"`
				Capture string   `json:"capture"`
				Since   int64    `json:"since"`
				Limit   int      `json:"limit"`
			}
			parseArgs(args, &params)
			sess, err := manager.GetSession(ctx)
			if err != nil {
				return nil, err
			}
			defer sess.Close()

			completed := manager.Telemetry(sess.TabID()).Completed()
			trace, err := nettrace.Build(ctx, sess.Conn(), completed, nettrace.Options{
				Include: params.Include,
				Exclude: params.Exclude,
				Types:   params.Types,
				Since:   params.Since,
				Limit:   params.Limit,
				Capture: params.Capture,
			})
			if err != nil {
				return nil, err
			}

			result := map[string]any{
				"items":   trace.Items,
				"preview": trace.Preview,
				"cursor":  trace.Cursor,
			}
			if trace.Insights != nil {
				result["insights"] = trace.Insights
			}
			if len(trace.Artifact) > 0 {
				ref, err := store.PutJSON("net_trace", map[string]any{
					"items":    trace.Artifact,
					"insights": trace.Insights,
					"cursor":   trace.Cursor,
				}, nil)
				if err != nil {
					logger.FromContext(ctx).Warn("net trace artifact write failed", "err", err)
				} else {
					result["artifactId"] = ref.ID
				}
			}
			return result, nil
		})

	srv.Register("artifact_read",
		"Read a slice of a stored text artifact",
		objectSchema(map[string]any{
			"id":       map[string]any{"type": "string"},
			"offset":   map[string]any{"type": "integer"},
			"maxChars": map[string]any{"type": "integer"},
		}),
		func(_ context.Context, args json.RawMessage) (any, error) {
			var params struct {
				ID       string `json:"id"`
				Offset   int    `json:"offset"`
				MaxChars int    `json:"maxChars"`
			}
			parseArgs(args, &params)
			return store.GetTextSlice(params.ID, params.Offset, params.MaxChars)
		})

	srv.Register("artifact_list",
		"List stored artifacts, newest first",
		objectSchema(map[string]any{
			"limit": map[string]any{"type": "integer"},
			"kind":  map[string]any{"type": "string"},
		}),
		func(_ context.Context, args json.RawMessage) (any, error) {
			var params struct {
				Limit int    `json:"limit"`
				Kind  string `json:"kind"`
			}
			parseArgs(args, &params)
			refs, err := store.List(params.Limit, params.Kind)
			if err != nil {
				return nil, err
			}
			return map[string]any{"artifacts": refs}, nil
		})

	srv.Register("artifact_export",
		"Copy an artifact into the outbox and return its repo-relative path",
		objectSchema(map[string]any{
			"id":        map[string]any{"type": "string"},
			"name":      map[string]any{"type": "string"},
			"overwrite": map[string]any{"type": "boolean"},
		}),
		func(_ context.Context, args json.RawMessage) (any, error) {
			var params struct {
				ID        string `json:"id"`
				Name      string `json:"name"`
				Overwrite bool   `json:"overwrite"`
			}
			parseArgs(args, &params)
			path, err := store.Export(params.ID, artifacts.ExportOptions{
				Name: params.Name, Overwrite: params.Overwrite,
			})
			if err != nil {
				return nil, err
			}
			return map[string]any{"path": path}, nil
		})

	srv.Register("artifact_delete",
		"Delete a stored artifact",
		objectSchema(map[string]any{"id": map[string]any{"type": "string"}}),
		func(_ context.Context, args json.RawMessage) (any, error) {
			var params struct {
				ID string `json:"id"`
			}
			parseArgs(args, &params)
			if err := store.Delete(params.ID); err != nil {
				return nil, err
			}
			return map[string]any{"deleted": params.ID}, nil
		})

	srv.Register("memory_set",
		"Store a small JSON value in agent memory",
		objectSchema(map[string]any{
			"key":            map[string]any{"type": "string"},
			"value":          map[string]any{},
			"allowSensitive": map[string]any{"type": "boolean"},
		}),
		func(_ context.Context, args json.RawMessage) (any, error) {
			var params struct {
				Key            string          `json:"key"`
				Value          json.RawMessage `json:"value"`
				AllowSensitive bool            `json:"allowSensitive"`
			}
			parseArgs(args, &params)
			entry, err := manager.Memory().Set(params.Key, params.Value, params.AllowSensitive)
			if err != nil {
				return nil, err
			}
			return map[string]any{"key": params.Key, "bytes": entry.Bytes, "sensitive": entry.Sensitive}, nil
		})

	srv.Register("memory_get",
		"Read a value from agent memory",
		objectSchema(map[string]any{"key": map[string]any{"type": "string"}}),
		func(_ context.Context, args json.RawMessage) (any, error) {
			var params struct {
				Key string `json:"key"`
			}
			parseArgs(args, &params)
			entry, ok := manager.Memory().Get(params.Key)
			if !ok {
				return nil, kinderr.New(kinderr.KindNotFound,
					"no such memory key", "call memory_list for the stored keys")
			}
			return map[string]any{"key": params.Key, "value": entry.Value, "sensitive": entry.Sensitive}, nil
		})

	srv.Register("memory_list",
		"List agent memory keys",
		objectSchema(nil),
		func(context.Context, json.RawMessage) (any, error) {
			return map[string]any{"keys": manager.Memory().Keys()}, nil
		})

	srv.Register("memory_delete",
		"Delete an agent memory key",
		objectSchema(map[string]any{"key": map[string]any{"type": "string"}}),
		func(_ context.Context, args json.RawMessage) (any, error) {
			var params struct {
				Key string `json:"key"`
			}
			parseArgs(args, &params)
			manager.Memory().Delete(params.Key)
			return map[string]any{"deleted": params.Key}, nil
		})

	srv.Register("http_get",
		"Server-side GET of an allow-listed URL",
		objectSchema(map[string]any{
			"url":     map[string]any{"type": "string"},
			"headers": map[string]any{"type": "object"},
		}),
		func(ctx context.Context, args json.RawMessage) (any, error) {
			var params struct {
				URL     string            `json:"url"`
				Headers map[string]string `json:"headers"`
			}
			parseArgs(args, &params)
			return fetcher.Get(ctx, params.URL, params.Headers)
		})

	srv.Register("session_recover",
		"Recover a wedged session: reset caches, open a fresh tab, or relaunch the browser",
		objectSchema(map[string]any{
			"mode":     map[string]any{"type": "string", "enum": []string{"reset", "rescue", "relaunch"}},
			"closeOld": map[string]any{"type": "boolean"},
		}),
		func(ctx context.Context, args json.RawMessage) (any, error) {
			var params struct {
				Mode     string `json:"mode"`
				CloseOld bool   `json:"closeOld"`
			}
			parseArgs(args, &params)
			switch params.Mode {
			case "", "reset":
				manager.RecoverReset()
				return map[string]any{"recovered": map[string]any{"mode": "reset", "ok": true}}, nil
			case "rescue":
				tabID, err := manager.Rescue(ctx, params.CloseOld)
				if err != nil {
					return nil, err
				}
				return map[string]any{"recovered": map[string]any{
					"mode": "rescue", "ok": true, "sessionTabId": tabID,
				}}, nil
			case "relaunch":
				if err := manager.HardRelaunch(ctx); err != nil {
					return nil, err
				}
				return map[string]any{"recovered": map[string]any{"mode": "relaunch", "ok": true}}, nil
			default:
				return nil, kinderr.New(kinderr.KindValidation,
					"mode must be reset, rescue or relaunch", "")
			}
		})

	srv.Register("dialog_automode",
		"Arm automatic handling of JavaScript dialogs on the session tab",
		objectSchema(map[string]any{
			"mode": map[string]any{"type": "string", "enum": []string{"accept", "dismiss", "off"}},
		}),
		func(ctx context.Context, args json.RawMessage) (any, error) {
			var params struct {
				Mode string `json:"mode"`
			}
			parseArgs(args, &params)
			if params.Mode != "accept" && params.Mode != "dismiss" && params.Mode != "off" {
				return nil, kinderr.New(kinderr.KindValidation,
					"mode must be accept, dismiss or off", "")
			}
			sess, err := manager.GetSession(ctx)
			if err != nil {
				return nil, err
			}
			defer sess.Close()
			manager.SetAutoDialogMode(sess.TabID(), params.Mode)
			return map[string]any{"tabId": sess.TabID(), "mode": params.Mode}, nil
		})
}

// parseArgs tolerates absent or null arguments; handlers validate what they
// actually need.
func parseArgs(args json.RawMessage, into any) {
	if len(args) == 0 {
		return
	}
	_ = json.Unmarshal(args, into)
}
