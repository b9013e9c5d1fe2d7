// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
)

const pushRulesPath = "/_matrix/client/v3/pushrules/"

func pushRulePath(kind, ruleID string) string {
	return pushRulesPath + "global/" + url.PathEscape(kind) + "/" + url.PathEscape(ruleID)
}

// GetPushRules fetches the account's full push rule set.
func (s *DirectSession) GetPushRules(ctx context.Context) (*PushRulesResponse, error) {
	body, err := s.client.doRequest(ctx, http.MethodGet, pushRulesPath, s.accessToken, nil)
	if err != nil {
		return nil, fmt.Errorf("messaging: get push rules failed: %w", err)
	}

	var response PushRulesResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("messaging: failed to parse push rules response: %w", err)
	}
	return &response, nil
}

// SetPushRuleEnabled enables or disables one rule.
func (s *DirectSession) SetPushRuleEnabled(ctx context.Context, kind, ruleID string, enabled bool) error {
	body := struct {
		Enabled bool `json:"enabled"`
	}{Enabled: enabled}
	_, err := s.client.doRequest(ctx, http.MethodPut, pushRulePath(kind, ruleID)+"/enabled", s.accessToken, body)
	if err != nil {
		return fmt.Errorf("messaging: set push rule %s/%s enabled=%t failed: %w", kind, ruleID, enabled, err)
	}
	return nil
}

// PutPushRule creates or replaces a user-defined rule. A non-empty
// before places the new rule ahead of that rule id within the kind,
// which is how a rule is added at the top of its list.
func (s *DirectSession) PutPushRule(ctx context.Context, kind string, rule PushRule, before string) error {
	var query url.Values
	if before != "" {
		query = url.Values{"before": {before}}
	}
	request := PutPushRuleRequest{
		Actions:    rule.Actions,
		Conditions: rule.Conditions,
		Pattern:    rule.Pattern,
	}
	if request.Actions == nil {
		request.Actions = []any{}
	}
	_, err := s.client.doRequest(ctx, http.MethodPut, pushRulePath(kind, rule.RuleID), s.accessToken, request, query)
	if err != nil {
		return fmt.Errorf("messaging: put push rule %s/%s failed: %w", kind, rule.RuleID, err)
	}
	return nil
}

// DeletePushRule removes a user-defined rule.
func (s *DirectSession) DeletePushRule(ctx context.Context, kind, ruleID string) error {
	_, err := s.client.doRequest(ctx, http.MethodDelete, pushRulePath(kind, ruleID), s.accessToken, nil)
	if err != nil {
		return fmt.Errorf("messaging: delete push rule %s/%s failed: %w", kind, ruleID, err)
	}
	return nil
}
