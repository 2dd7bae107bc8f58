package permission

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// policyFile is the on-disk shape of a policy rule set: a flat list under
// a single "rules" key, one entry per PolicyRule.
type policyFile struct {
	Rules []*PolicyRule `yaml:"rules"`
}

// LoadPolicyRulesYAML parses a YAML document of policy rules (operator-
// authored fixtures, not a runtime config format this package owns — the
// host is free to feed rules in however it likes) and compiles each
// rule's condition expression.
func LoadPolicyRulesYAML(data []byte) ([]*PolicyRule, error) {
	var doc policyFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("permission: parse policy rules: %w", err)
	}
	for _, r := range doc.Rules {
		if err := r.Compile(); err != nil {
			return nil, fmt.Errorf("permission: compile rule %q: %w", r.ID, err)
		}
	}
	return doc.Rules, nil
}
