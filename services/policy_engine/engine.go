// Copyright (C) 2025 Driftline AI (oss@driftline.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package policy_engine

import (
	"fmt"
	"strings"

	"github.com/driftline-ai/driftline/services/policy_engine/enforcement"
	"gopkg.in/yaml.v3"
)

// PolicyEngine serves as the main entry point for data classification operations.
// It holds the state of the loaded rules and provides methods to scan data against those rules.
type PolicyEngine struct {
	Classifiers []Classification
}

// NewPolicyEngine initializes a new instance of the PolicyEngine.
//
// It automatically loads the policy definitions embedded in the binary via
// the enforcement package, compiles all regex patterns and sorts the
// classifications from highest to lowest priority.
//
// Returns an error if the embedded YAML is malformed or contains invalid regex.
func NewPolicyEngine() (*PolicyEngine, error) {
	var classificationFile PolicyEngineClassificationFile
	if err := yaml.Unmarshal(enforcement.DataClassificationPatterns, &classificationFile); err != nil {
		return nil, fmt.Errorf("failed to unmarshal the embedded policy file: %w", err)
	}

	if err := classificationFile.CompileRegexes(); err != nil {
		return nil, fmt.Errorf("failed to compile a regex %w", err)
	}

	classificationFile.SortByPriority()

	engine := &PolicyEngine{Classifiers: classificationFile.ClassificationPatterns}
	return engine, nil
}

// ClassifyData performs a quick boolean check on a byte slice to determine its classification.
//
// It iterates through classifications by priority and returns the name of the *first*
// classification that matches the data. If no match is found, it returns "public".
func (e *PolicyEngine) ClassifyData(data []byte) string {
	for _, classifier := range e.Classifiers {
		for _, re := range classifier.CompiledPatterns {
			if re.Match(data) {
				return classifier.Name
			}
		}
	}
	return "public"
}

// ScanMessage performs a comprehensive audit of an outbound message.
//
// It splits the content into lines and checks every line against every
// pattern in the engine, capturing the line number and the text that
// triggered each match. The chat handler blocks a message with findings
// before it is persisted or sent to any model backend.
func (e *PolicyEngine) ScanMessage(content string) []ScanFinding {
	var findings []ScanFinding
	lines := strings.Split(content, "\n")
	for lineNum, line := range lines {
		for _, classifier := range e.Classifiers {
			for _, pattern := range classifier.Patterns {
				match := pattern.compiledPattern.FindString(line)
				if match != "" {
					finding := ScanFinding{
						LineNumber:         lineNum + 1,
						MatchedContent:     strings.TrimSpace(match),
						ClassificationName: classifier.Name,
						PatternId:          pattern.Id,
						PatternDescription: pattern.Description,
						Confidence:         pattern.Confidence,
					}
					findings = append(findings, finding)
				}
			}
		}
	}
	return findings
}
