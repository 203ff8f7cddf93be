package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/PBLIZZ/app-omnicrm-sub004/internal/recorder"
)

// Execute runs the full dispatch pipeline for one tool call. It always
// returns an ExecutionResult: no error or panic crosses this boundary.
// Steps run in strict order, each a potential short-circuit — lookup,
// deprecation check, cache probe, credit charge, rate limit, handler
// invocation, audit recording.
func (r *Registry) Execute(ctx context.Context, toolName string, params json.RawMessage, ec ExecutionContext) ExecutionResult {
	start := time.Now()

	// 1. Lookup
	rt := r.lookup(toolName)
	if rt == nil {
		return r.finish(start, toolName, "", params, ec, false, ExecutionResult{
			Success: false,
			Error:   NewToolError(CodeToolNotFound, fmt.Sprintf("tool %q is not registered", toolName)),
		})
	}
	def := rt.def

	// 2. Deprecation is advisory: warn, never block.
	if def.Deprecated {
		r.logger.Warn("deprecated tool invoked",
			zap.String("tool_name", def.Name),
			zap.String("message", def.DeprecationMessage),
			zap.String("user_id", ec.UserID),
		)
	}

	// 3. Cache probe for cacheable tools. A fresh hit skips the charge,
	// the rate limit, and the handler.
	var cacheKey string
	if def.Cacheable && def.CacheTTLSeconds > 0 {
		cacheKey = resultCacheKey(def.Name, ec.UserID, params)
		if data, ok := r.cache.Get(cacheKey); ok {
			res := ExecutionResult{Success: true, Data: data}
			res.Metadata.Cached = true
			return r.finish(start, def.Name, def.Version, params, ec, true, res)
		}
	}

	// 4. Credit charge. Free tools skip entirely and are never blocked by
	// quota infrastructure outages.
	if def.CreditCost > 0 {
		if err := r.ledger.EnsureMonthlyQuota(ctx, ec.UserID); err != nil {
			r.logger.Error("quota check failed",
				zap.String("tool_name", def.Name),
				zap.String("user_id", ec.UserID),
				zap.Error(err),
			)
			return r.finish(start, def.Name, def.Version, params, ec, false, ExecutionResult{
				Success: false,
				Error:   NewToolError(CodeCreditSystemError, "credit system unavailable"),
			})
		}
		remaining, ok, err := r.ledger.TrySpendCredit(ctx, ec.UserID)
		if err != nil {
			r.logger.Error("credit spend failed",
				zap.String("tool_name", def.Name),
				zap.String("user_id", ec.UserID),
				zap.Error(err),
			)
			return r.finish(start, def.Name, def.Version, params, ec, false, ExecutionResult{
				Success: false,
				Error:   NewToolError(CodeCreditSystemError, "credit system unavailable"),
			})
		}
		if !ok {
			return r.finish(start, def.Name, def.Version, params, ec, false, ExecutionResult{
				Success: false,
				Error:   NewToolError(CodeInsufficientCredit, "monthly credit quota exhausted"),
			})
		}
		r.logger.Debug("credit charged",
			zap.String("tool_name", def.Name),
			zap.String("user_id", ec.UserID),
			zap.Int("remaining", remaining),
		)
	}

	// 5. Rate limit, fixed-window per (tool, user).
	if def.RateLimit != nil && def.RateLimit.MaxCalls > 0 {
		decision := r.limiter.Allow(def.Name, ec.UserID, *def.RateLimit)
		if !decision.Allowed {
			return r.finish(start, def.Name, def.Version, params, ec, false, ExecutionResult{
				Success: false,
				Error: &ToolError{
					Code:    CodeRateLimitExceeded,
					Message: fmt.Sprintf("rate limit exceeded for tool %q", def.Name),
					Details: map[string]any{
						"max_calls": def.RateLimit.MaxCalls,
						"window_ms": def.RateLimit.Window.Milliseconds(),
						"reset_at":  decision.ResetAt.UTC().Format(time.RFC3339Nano),
					},
				},
			})
		}
	}

	// 6. Handler invocation. Panics and errors are normalized; a handler's
	// *ToolError keeps its code and details.
	data, err := r.invoke(ctx, rt, params, ec)
	if err != nil {
		var toolErr *ToolError
		if !errors.As(err, &toolErr) {
			toolErr = NewToolError(CodeExecutionError, err.Error())
		}
		r.logger.Error("tool execution failed",
			zap.String("tool_name", def.Name),
			zap.String("user_id", ec.UserID),
			zap.String("error_code", toolErr.Code),
			zap.Error(err),
		)
		return r.finish(start, def.Name, def.Version, params, ec, false, ExecutionResult{
			Success: false,
			Error:   toolErr,
		})
	}

	if cacheKey != "" {
		r.cache.Set(cacheKey, data, time.Duration(def.CacheTTLSeconds)*time.Second)
	}

	return r.finish(start, def.Name, def.Version, params, ec, false, ExecutionResult{
		Success: true,
		Data:    data,
	})
}

// invoke calls the handler with panic recovery so a misbehaving tool can
// never crash the dispatch loop.
func (r *Registry) invoke(ctx context.Context, rt *registeredTool, params json.RawMessage, ec ExecutionContext) (data any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panicked: %v", rec)
		}
	}()
	return rt.handler(ctx, params, ec)
}

// finish stamps latency, records the invocation when a message id is
// present, and returns the envelope. Recording is best-effort by contract:
// the Recorder never blocks and never fails the call.
func (r *Registry) finish(start time.Time, toolName, toolVersion string, params json.RawMessage, ec ExecutionContext, cached bool, res ExecutionResult) ExecutionResult {
	res.Metadata.LatencyMs = float64(time.Since(start)) / float64(time.Millisecond)
	res.Metadata.Cached = cached

	// Calls without a message id (background/cron use) are deliberately
	// not audited.
	if r.recorder != nil && ec.MessageID != "" {
		rec := &recorder.InvocationRecord{
			ID:          uuid.New().String(),
			UserID:      ec.UserID,
			ThreadID:    ec.ThreadID,
			MessageID:   ec.MessageID,
			RequestID:   ec.RequestID,
			ToolName:    toolName,
			ToolVersion: toolVersion,
			ArgsJSON:    string(params),
			Success:     res.Success,
			LatencyMs:   res.Metadata.LatencyMs,
			Cached:      cached,
			CreatedAt:   time.Now(),
		}
		if res.Success {
			if b, err := json.Marshal(res.Data); err == nil {
				rec.ResultJSON = string(b)
			}
		} else if res.Error != nil {
			rec.ErrorCode = res.Error.Code
			rec.ErrorMessage = res.Error.Message
		}
		r.recorder.Record(rec)
	}

	return res
}
