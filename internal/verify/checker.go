// Package verify evaluates validation rules against the snapshot set of one
// run. The comparison judgment is delegated to the inference capability;
// every delegation failure resolves to a failed outcome, never a silent pass.
package verify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/sells-group/validator-cli/internal/model"
	"github.com/sells-group/validator-cli/pkg/inference"
)

// snapshotPromptBudget bounds each serialized snapshot payload inside a
// verification prompt.
const snapshotPromptBudget = 3000

const systemPrompt = "You are a data consistency validator. Compare data across services to find inconsistencies, missing records, and mismatches. Be thorough but concise. Return structured JSON with clear pass/fail indicators."

// Checker evaluates one rule at a time.
type Checker struct {
	inference inference.Client
}

// NewChecker creates a Checker backed by the given inference client.
func NewChecker(inf inference.Client) *Checker {
	return &Checker{inference: inf}
}

// Check produces one outcome for the rule. Missing or failed snapshots
// short-circuit deterministically before any inference call.
func (c *Checker) Check(ctx context.Context, rule model.ValidationRule, snapshots []model.DataSnapshot) model.VerificationOutcome {
	source := findSnapshot(snapshots, rule.SourceService)
	if source == nil || !source.Success {
		return model.VerificationOutcome{
			RuleID:  rule.RuleID,
			Passed:  false,
			Message: fmt.Sprintf("Source service '%s' data not available", rule.SourceService),
		}
	}

	if rule.TargetService != "" {
		target := findSnapshot(snapshots, rule.TargetService)
		if target == nil || !target.Success {
			return model.VerificationOutcome{
				RuleID:  rule.RuleID,
				Passed:  false,
				Message: fmt.Sprintf("Target service '%s' data not available", rule.TargetService),
			}
		}
		return c.crossVerify(ctx, rule, source, target)
	}

	return c.singleVerify(ctx, rule, source)
}

// verdict is the JSON shape expected back from the inference capability.
// Passed is a pointer so a missing field is distinguishable from false.
type verdict struct {
	Passed  *bool  `json:"passed"`
	Message string `json:"message"`
}

func (c *Checker) crossVerify(ctx context.Context, rule model.ValidationRule, source, target *model.DataSnapshot) model.VerificationOutcome {
	comparison := rule.ComparisonLogic
	if comparison == "" {
		comparison = "Check that all records in source have matching records in target"
	}

	prompt := fmt.Sprintf(`Verify data consistency between two services according to this rule:

Rule: %s
Description: %s
Comparison Logic: %s

Source Service Data (%s):
%s

Target Service Data (%s):
%s

Expected Fields: %s

Analyze the data and respond with a JSON object:
{
    "passed": true/false,
    "message": "Brief description of the verification result",
    "inconsistencies_found": number,
    "missing_records": number,
    "mismatched_records": number,
    "details": {"any": "relevant details"}
}

Return ONLY valid JSON, no additional text.`,
		rule.RuleName, rule.Description, comparison,
		source.ServiceID, serializePayload(source.Data),
		target.ServiceID, serializePayload(target.Data),
		strings.Join(rule.ExpectedFields, ", "),
	)

	return c.judge(ctx, rule.RuleID, prompt)
}

func (c *Checker) singleVerify(ctx context.Context, rule model.ValidationRule, source *model.DataSnapshot) model.VerificationOutcome {
	query := rule.ValidationQuery
	if query == "" {
		query = "None"
	}

	prompt := fmt.Sprintf(`Verify data from a single service according to this rule:

Rule: %s
Description: %s

Service Data (%s):
%s

Expected Fields: %s
Query/Filter: %s

Check that:
1. All expected fields are present
2. Data follows expected format
3. No obvious data quality issues

Respond with a JSON object:
{
    "passed": true/false,
    "message": "Brief description of findings",
    "missing_fields": [],
    "data_quality_issues": [],
    "details": {"any": "relevant details"}
}

Return ONLY valid JSON, no additional text.`,
		rule.RuleName, rule.Description,
		source.ServiceID, serializePayload(source.Data),
		strings.Join(rule.ExpectedFields, ", "), query,
	)

	return c.judge(ctx, rule.RuleID, prompt)
}

// judge submits a verification prompt and converts the reply into an outcome.
// Unusable replies fail closed.
func (c *Checker) judge(ctx context.Context, ruleID, prompt string) model.VerificationOutcome {
	text, err := c.inference.Complete(ctx, inference.Request{
		System: systemPrompt,
		Prompt: prompt,
	})
	if err != nil {
		zap.L().Warn("verify: inference call failed", zap.String("rule_id", ruleID), zap.Error(err))
		return model.VerificationOutcome{
			RuleID:  ruleID,
			Passed:  false,
			Message: "Verification failed: " + err.Error(),
		}
	}

	raw, err := inference.ExtractJSON(text)
	if err != nil {
		return model.VerificationOutcome{
			RuleID:  ruleID,
			Passed:  false,
			Message: "Verification failed: unparseable response: " + err.Error(),
		}
	}

	var v verdict
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return model.VerificationOutcome{
			RuleID:  ruleID,
			Passed:  false,
			Message: "Verification failed: malformed verdict: " + err.Error(),
		}
	}
	if v.Passed == nil {
		return model.VerificationOutcome{
			RuleID:  ruleID,
			Passed:  false,
			Message: "Verification failed: response missing 'passed' field",
		}
	}

	message := v.Message
	if message == "" {
		message = "Verification completed"
	}

	var details map[string]any
	_ = json.Unmarshal([]byte(raw), &details)

	return model.VerificationOutcome{
		RuleID:  ruleID,
		Passed:  *v.Passed,
		Message: message,
		Details: details,
	}
}

func findSnapshot(snapshots []model.DataSnapshot, serviceID string) *model.DataSnapshot {
	for i := range snapshots {
		if snapshots[i].ServiceID == serviceID {
			return &snapshots[i]
		}
	}
	return nil
}

func serializePayload(data map[string]any) string {
	serialized, err := json.Marshal(data)
	if err != nil {
		return "{}"
	}
	return inference.Truncate(string(serialized), snapshotPromptBudget)
}
