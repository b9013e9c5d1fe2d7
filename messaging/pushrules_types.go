// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

// Push rule kinds, in evaluation precedence order.
const (
	PushRuleKindOverride  = "override"
	PushRuleKindContent   = "content"
	PushRuleKindRoom      = "room"
	PushRuleKindSender    = "sender"
	PushRuleKindUnderride = "underride"
)

// PushRuleKinds lists the kinds in evaluation precedence order.
var PushRuleKinds = []string{
	PushRuleKindOverride,
	PushRuleKindContent,
	PushRuleKindRoom,
	PushRuleKindSender,
	PushRuleKindUnderride,
}

// PushCondition is one condition of an override or underride rule.
type PushCondition struct {
	Kind    string `json:"kind"`
	Key     string `json:"key,omitempty"`
	Pattern string `json:"pattern,omitempty"`
	Is      string `json:"is,omitempty"`
}

// PushRule is one rule as the server sends it. Actions is left as
// raw JSON values: strings ("notify", "dont_notify") or tweak objects
// ({"set_tweak": "sound", "value": "default"}).
type PushRule struct {
	RuleID     string          `json:"rule_id"`
	Default    bool            `json:"default"`
	Enabled    bool            `json:"enabled"`
	Actions    []any           `json:"actions"`
	Conditions []PushCondition `json:"conditions,omitempty"`
	Pattern    string          `json:"pattern,omitempty"`
}

// PushRuleSet is the global rule set, one list per kind in server
// order.
type PushRuleSet struct {
	Override  []PushRule `json:"override,omitempty"`
	Content   []PushRule `json:"content,omitempty"`
	Room      []PushRule `json:"room,omitempty"`
	Sender    []PushRule `json:"sender,omitempty"`
	Underride []PushRule `json:"underride,omitempty"`
}

// PushRulesResponse is the body of GET /pushrules/ and the content of
// the m.push_rules account data event.
type PushRulesResponse struct {
	Global PushRuleSet `json:"global"`
}

// PutPushRuleRequest is the body of PUT /pushrules/global/{kind}/{ruleId}.
type PutPushRuleRequest struct {
	Actions    []any           `json:"actions"`
	Conditions []PushCondition `json:"conditions,omitempty"`
	Pattern    string          `json:"pattern,omitempty"`
}
