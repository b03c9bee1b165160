// Copyright 2026 The pollpilot Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package plugin provides LUA-based extension points for the fallback
// chain. Users drop scripts into the plugin directory; each script may
// implement on_fallback(env) and return a decision table to handle a
// degraded cycle, or nil to pass.
package plugin

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	lua "github.com/yuin/gopher-lua"

	"github.com/pollpilot/pollpilot/internal/decision/fallback"
)

// hookFallback is the function name scripts implement.
const hookFallback = "on_fallback"

// Config controls the plugin engine.
type Config struct {
	// Enabled determines if the plugin engine is active.
	Enabled bool

	// PluginDir is the directory containing LUA scripts.
	PluginDir string
}

// Engine compiles and runs user scripts. States are pooled and opened
// with a restricted library set.
type Engine struct {
	pool      sync.Pool
	pluginDir string
	scripts   map[string]*lua.FunctionProto
	scriptsMu sync.RWMutex
	enabled   bool
}

// NewEngine creates a LUA engine and loads scripts from cfg.PluginDir.
func NewEngine(cfg Config) *Engine {
	if !cfg.Enabled {
		return &Engine{enabled: false}
	}

	engine := &Engine{
		pluginDir: cfg.PluginDir,
		scripts:   make(map[string]*lua.FunctionProto),
		enabled:   true,
	}

	engine.pool = sync.Pool{
		New: func() interface{} {
			// SECURITY: Restrict standard libraries to prevent RCE
			L := lua.NewState(lua.Options{
				SkipOpenLibs: true,
			})

			// Manually load ONLY safe libraries
			lua.OpenBase(L)
			lua.OpenTable(L)
			lua.OpenString(L)
			lua.OpenMath(L)
			// os and io stay closed; scripts only classify failures

			L.SetGlobal("dofile", lua.LNil)
			L.SetGlobal("loadfile", lua.LNil)

			osTbl := L.NewTable()
			L.SetField(osTbl, "time", L.NewFunction(func(L *lua.LState) int {
				L.Push(lua.LNumber(time.Now().Unix()))
				return 1
			}))
			L.SetGlobal("os", osTbl)

			engine.registerHostModule(L)

			return L
		},
	}

	if cfg.PluginDir != "" {
		if err := engine.LoadScripts(); err != nil {
			log.Warnf("failed to load LUA plugins from %s: %v", cfg.PluginDir, err)
		}
	}

	return engine
}

// IsEnabled returns whether the engine is active.
func (e *Engine) IsEnabled() bool {
	return e != nil && e.enabled
}

func (e *Engine) getState() *lua.LState {
	return e.pool.Get().(*lua.LState)
}

func (e *Engine) putState(L *lua.LState) {
	L.SetTop(0)
	e.pool.Put(L)
}

// LoadScripts compiles every .lua file in the plugin directory. Scripts
// that fail to compile are skipped with a warning.
func (e *Engine) LoadScripts() error {
	if e.pluginDir == "" {
		return nil
	}

	if _, err := os.Stat(e.pluginDir); os.IsNotExist(err) {
		log.Debugf("plugin directory %s does not exist, skipping", e.pluginDir)
		return nil
	}

	entries, err := os.ReadDir(e.pluginDir)
	if err != nil {
		return fmt.Errorf("failed to read plugin directory: %w", err)
	}

	loaded := make(map[string]*lua.FunctionProto)
	L := e.getState()
	defer e.putState(L)

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".lua") {
			continue
		}
		path := filepath.Join(e.pluginDir, entry.Name())
		content, err := os.ReadFile(path)
		if err != nil {
			log.Warnf("failed to read plugin %s: %v", path, err)
			continue
		}
		fn, err := L.LoadString(string(content))
		if err != nil {
			log.Warnf("failed to compile plugin %s: %v", path, err)
			continue
		}
		name := strings.TrimSuffix(entry.Name(), ".lua")
		loaded[name] = fn.Proto
		log.Infof("loaded plugin: %s", name)
	}

	e.scriptsMu.Lock()
	e.scripts = loaded
	e.scriptsMu.Unlock()
	return nil
}

// FallbackHook adapts the engine to the fallback chain. Scripts run in
// name order; the first one returning a table with an action wins.
func (e *Engine) FallbackHook() fallback.Hook {
	return func(env fallback.Env) (*fallback.Result, bool) {
		if !e.IsEnabled() {
			return nil, false
		}
		return e.evaluate(env)
	}
}

func (e *Engine) evaluate(env fallback.Env) (*fallback.Result, bool) {
	e.scriptsMu.RLock()
	defer e.scriptsMu.RUnlock()

	data := map[string]any{
		"failure_kind":       env.FailureKind,
		"phase":              env.Phase,
		"urgency":            env.Urgency,
		"attempts":           env.Attempts,
		"has_cached_similar": env.HasCachedSimilar,
	}

	names := make([]string, 0, len(e.scripts))
	for name := range e.scripts {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		result, err := e.runScript(name, e.scripts[name], data)
		if err != nil {
			log.Debugf("plugin %s failed: %v", name, err)
			continue
		}
		if result == nil {
			continue
		}

		action, _ := result["action"].(string)
		if action == "" {
			continue
		}
		target, _ := result["target"].(string)
		confidence, _ := result["confidence"].(float64)
		reason, _ := result["reason"].(string)
		return &fallback.Result{
			Action:         action,
			Target:         target,
			Confidence:     confidence,
			FallbackReason: reason,
		}, true
	}
	return nil, false
}

// runScript loads the compiled chunk and invokes its on_fallback hook.
// The chunk may return a plugin table or define the hook globally.
func (e *Engine) runScript(name string, proto *lua.FunctionProto, data map[string]any) (map[string]any, error) {
	L := e.getState()
	defer e.putState(L)

	fn := L.NewFunctionFromProto(proto)
	L.Push(fn)
	if err := L.PCall(0, 1, nil); err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", name, err)
	}
	pluginTbl := L.Get(-1)
	L.Pop(1)

	var hookFn lua.LValue
	if pluginTbl.Type() == lua.LTTable {
		hookFn = L.GetField(pluginTbl, hookFallback)
	} else {
		hookFn = L.GetGlobal(hookFallback)
	}
	if hookFn == lua.LNil || hookFn.Type() != lua.LTFunction {
		return nil, nil
	}

	luaData := goMapToLuaTable(L, data)

	L.Push(hookFn)
	nArgs := 1
	if pluginTbl.Type() == lua.LTTable {
		L.Push(pluginTbl)
		L.Push(luaData)
		nArgs = 2
	} else {
		L.Push(luaData)
	}

	if err := L.PCall(nArgs, 1, nil); err != nil {
		return nil, fmt.Errorf("%s failed: %w", hookFallback, err)
	}

	result := L.Get(-1)
	L.Pop(1)

	if tbl, ok := result.(*lua.LTable); ok {
		return luaTableToGoMap(tbl), nil
	}
	return nil, nil
}

// Close shuts down the engine.
func (e *Engine) Close() {
	e.scriptsMu.Lock()
	e.scripts = nil
	e.scriptsMu.Unlock()
	e.enabled = false
}

// registerHostModule registers the 'pollpilot' global table.
func (e *Engine) registerHostModule(L *lua.LState) {
	mod := L.NewTable()

	// pollpilot.log(message)
	L.SetField(mod, "log", L.NewFunction(func(L *lua.LState) int {
		msg := L.CheckString(1)
		log.Infof("[LUA] %s", msg)
		return 0
	}))

	L.SetGlobal("pollpilot", mod)
}

func goMapToLuaTable(L *lua.LState, m map[string]any) *lua.LTable {
	tbl := L.NewTable()
	for k, v := range m {
		L.SetField(tbl, k, goValueToLua(L, v))
	}
	return tbl
}

func goValueToLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case string:
		return lua.LString(val)
	case []any:
		tbl := L.NewTable()
		for i, item := range val {
			L.RawSetInt(tbl, i+1, goValueToLua(L, item))
		}
		return tbl
	case map[string]any:
		return goMapToLuaTable(L, val)
	default:
		return lua.LString(fmt.Sprintf("%v", val))
	}
}

func luaTableToGoMap(tbl *lua.LTable) map[string]any {
	result := make(map[string]any)
	tbl.ForEach(func(key lua.LValue, value lua.LValue) {
		if keyStr, ok := key.(lua.LString); ok {
			result[string(keyStr)] = luaValueToGo(value)
		}
	})
	return result
}

func luaValueToGo(v lua.LValue) any {
	switch val := v.(type) {
	case lua.LBool:
		return bool(val)
	case lua.LNumber:
		return float64(val)
	case lua.LString:
		return string(val)
	case *lua.LTable:
		return luaTableToGoMap(val)
	default:
		return nil
	}
}
