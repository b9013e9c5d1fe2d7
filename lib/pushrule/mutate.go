// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package pushrule

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/bureau-foundation/syncengine/lib/ref"
)

// RuleError describes a failed mutation of one rule. Err is the
// underlying cause, typically a *messaging.MatrixError or a transport
// error.
type RuleError struct {
	Op     string
	Kind   string
	RuleID string
	Err    error
}

func (e *RuleError) Error() string {
	return fmt.Sprintf("pushrule: %s %s/%s: %v", e.Op, e.Kind, e.RuleID, e.Err)
}

func (e *RuleError) Unwrap() error { return e.Err }

// BatchDeleteError reports a DeleteBatch that stopped part way.
// Deleted holds the rules removed before the failure, in order; they
// are gone from both the server and the local set. Failed is the rule
// whose deletion failed, and no later rule was attempted.
type BatchDeleteError struct {
	Deleted []Rule
	Failed  Rule
	Err     error
}

func (e *BatchDeleteError) Error() string {
	return fmt.Sprintf("pushrule: batch delete stopped after %d rules at %s/%s: %v",
		len(e.Deleted), e.Failed.Kind, e.Failed.RuleID, e.Err)
}

func (e *BatchDeleteError) Unwrap() error { return e.Err }

// Toggle enables or disables rule on the server and then locally.
func (e *Engine) Toggle(ctx context.Context, rule Rule, enabled bool) error {
	e.mutateMu.Lock()
	defer e.mutateMu.Unlock()

	return e.mutate(ctx, "toggle", rule, func(ctx context.Context) error {
		return e.client.SetPushRuleEnabled(ctx, rule.Kind, rule.RuleID, enabled)
	}, func(set *Set) {
		list := set.kindList(rule.Kind)
		for i := range *list {
			if (*list)[i].RuleID == rule.RuleID {
				(*list)[i].Enabled = enabled
			}
		}
	})
}

// Add creates rule on the server and inserts it at the top of its
// kind locally, replacing any local rule with the same id.
func (e *Engine) Add(ctx context.Context, rule Rule) error {
	e.mutateMu.Lock()
	defer e.mutateMu.Unlock()
	return e.add(ctx, rule)
}

func (e *Engine) add(ctx context.Context, rule Rule) error {
	rule = rule.clone()
	return e.mutate(ctx, "add", rule, func(ctx context.Context) error {
		return e.client.PutPushRule(ctx, rule.Kind, rule.Wire(), "")
	}, func(set *Set) {
		list := set.kindList(rule.Kind)
		*list = slices.DeleteFunc(*list, func(existing Rule) bool {
			return existing.RuleID == rule.RuleID
		})
		*list = slices.Insert(*list, 0, rule)
	})
}

// Delete removes rule from the server and then locally.
func (e *Engine) Delete(ctx context.Context, rule Rule) error {
	e.mutateMu.Lock()
	defer e.mutateMu.Unlock()
	return e.delete(ctx, rule)
}

func (e *Engine) delete(ctx context.Context, rule Rule) error {
	return e.mutate(ctx, "delete", rule, func(ctx context.Context) error {
		return e.client.DeletePushRule(ctx, rule.Kind, rule.RuleID)
	}, func(set *Set) {
		list := set.kindList(rule.Kind)
		*list = slices.DeleteFunc(*list, func(existing Rule) bool {
			return existing.RuleID == rule.RuleID
		})
	})
}

// DeleteBatch deletes rules one at a time, in order. The first
// failure stops the batch and is returned as a *BatchDeleteError.
// Listeners are notified after each successful deletion.
func (e *Engine) DeleteBatch(ctx context.Context, rules []Rule) error {
	e.mutateMu.Lock()
	defer e.mutateMu.Unlock()
	return e.deleteBatch(ctx, rules)
}

func (e *Engine) deleteBatch(ctx context.Context, rules []Rule) error {
	deleted := make([]Rule, 0, len(rules))
	for _, rule := range rules {
		if err := e.delete(ctx, rule); err != nil {
			return &BatchDeleteError{Deleted: deleted, Failed: rule.clone(), Err: unwrapRuleError(err)}
		}
		deleted = append(deleted, rule.clone())
	}
	return nil
}

// MuteRoom replaces the room's rules. Every override and room rule
// for roomID is deleted; when muted is true a room rule with
// dont_notify is then added, which leaves mentions matched by
// override and content rules still notifying.
func (e *Engine) MuteRoom(ctx context.Context, roomID ref.RoomID, muted bool) error {
	e.mutateMu.Lock()
	defer e.mutateMu.Unlock()

	if err := e.deleteBatch(ctx, e.RulesForRoom(roomID)); err != nil {
		return err
	}
	if !muted {
		return nil
	}
	return e.add(ctx, NewRoomRule(roomID, true, ActionDontNotify))
}

// mutate runs one write-through mutation: rpc first, then apply on
// the local set only if rpc succeeded. Callers hold mutateMu.
func (e *Engine) mutate(ctx context.Context, op string, rule Rule, rpc func(context.Context) error, apply func(*Set)) error {
	ctx, span := e.tracer.Start(ctx, "pushrule."+op, trace.WithAttributes(
		attribute.String("pushrule.kind", rule.Kind),
		attribute.String("pushrule.rule_id", rule.RuleID),
	))
	defer span.End()

	fail := func(err error) error {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.metrics.mutated(op, "failed")
		return &RuleError{Op: op, Kind: rule.Kind, RuleID: rule.RuleID, Err: err}
	}

	if e.client == nil {
		return fail(errors.New("no rule client configured"))
	}
	if !e.IsReady() {
		return fail(ErrNotLoaded)
	}
	var probe Set
	if probe.kindList(rule.Kind) == nil {
		return fail(fmt.Errorf("unknown rule kind %q", rule.Kind))
	}
	if rule.RuleID == "" {
		return fail(errors.New("empty rule id"))
	}

	if err := rpc(ctx); err != nil {
		e.logger.Warn("push rule mutation failed",
			"op", op,
			"kind", rule.Kind,
			"rule_id", rule.RuleID,
			"error", err,
		)
		return fail(err)
	}

	e.mu.Lock()
	apply(&e.rules)
	e.mu.Unlock()

	e.metrics.mutated(op, "ok")
	e.logger.Debug("push rule updated", "op", op, "kind", rule.Kind, "rule_id", rule.RuleID)
	e.changed()
	return nil
}

func unwrapRuleError(err error) error {
	var ruleErr *RuleError
	if errors.As(err, &ruleErr) {
		return ruleErr.Err
	}
	return err
}
