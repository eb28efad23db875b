package connector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Evaluate runs a JavaScript expression in the page and returns its value as
// JSON. The expression is awaited, so promises resolve before the result
// comes back; a watchdog bounds scripts that never settle.
func (c *Connector) Evaluate(ctx context.Context, source string) (json.RawMessage, error) {
	c.mu.Lock()
	if c.tabTargetID == "" {
		c.mu.Unlock()
		return nil, newError(CodeEvalFailure, "no attached tab", nil)
	}
	targetID := string(c.tabTargetID)
	if c.raw == nil {
		c.raw = newRawClient(c.cfg.GetCDPURL())
	}
	raw := c.raw
	c.mu.Unlock()

	evalCtx, cancel := context.WithTimeout(ctx, c.cfg.EvalTimeout)
	defer cancel()

	if err := raw.connect(evalCtx); err != nil {
		return nil, newError(CodeCDPUnavailable, "connect debug socket", err)
	}

	sessionID, err := raw.attachToTarget(evalCtx, targetID)
	if err != nil {
		return nil, newError(CodeEvalFailure, "attach evaluation session", err)
	}
	defer raw.detachFromTarget(context.Background(), sessionID)

	out, err := raw.evaluate(evalCtx, sessionID, wrapExpression(source))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, newError(CodeEvalTimeout,
				fmt.Sprintf("evaluation did not settle within %s", c.cfg.EvalTimeout), err)
		}
		return nil, newError(CodeEvalFailure, "evaluate", err)
	}
	return parseEvalEnvelope(out)
}

// EvalError is a browser-side evaluation failure, carried across the wire as
// a plain name/message/stack shape.
type EvalError struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

func (e *EvalError) Error() string {
	if e.Name != "" {
		return e.Name + ": " + e.Message
	}
	return e.Message
}

// wrapExpression wraps user script in an async IIFE that serializes either
// the awaited value or the thrown error into a stable JSON envelope. The
// async wrapper uses the page's native promise machinery, so values from any
// promise implementation resolve the same way. Thrown errors come back as a
// plain name/message/stack object; non-Error throws are coerced first.
func wrapExpression(source string) string {
	return `(async function(){
try {
const data = await (` + source + `);
return JSON.stringify({ok:true,data:data === undefined ? null : data});
} catch (err) {
const e = (err instanceof Error) ? err : new Error(String(err));
return JSON.stringify({ok:false,error:{name:String(e.name || "Error"),message:String(e.message || ""),stack:String(e.stack || "")}});
}
})()`
}

func parseEvalEnvelope(out string) (json.RawMessage, error) {
	var env struct {
		OK    bool            `json:"ok"`
		Data  json.RawMessage `json:"data"`
		Error *EvalError      `json:"error"`
	}
	if err := json.Unmarshal([]byte(out), &env); err != nil {
		return nil, newError(CodeEvalFailure, "malformed evaluation result", err)
	}
	if !env.OK {
		if env.Error == nil {
			env.Error = &EvalError{Name: "Error", Message: "evaluation failed"}
		}
		return nil, newError(CodeEvalFailure, env.Error.Error(), env.Error)
	}
	return env.Data, nil
}
