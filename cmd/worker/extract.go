package main

import "strings"

// extractorConfig is the config blob of an extractor elaboration.
type extractorConfig struct {
	Rules []extractionRule `json:"extraction_rules"`
}

// extractionRule captures a fixed-length substring after every
// occurrence of a marker. A rule like {search_text: "CA: ",
// extract_length: 44} pulls the 44 characters following each "CA: ".
type extractionRule struct {
	RuleName      string `json:"rule_name"`
	SearchText    string `json:"search_text"`
	ExtractLength int    `json:"extract_length"`
}

// redirectConfig is the config blob of a redirect elaboration.
type redirectConfig struct {
	TargetChatID int64 `json:"target_chat_id"`
}

// extraction is one value pulled out of a message.
type extraction struct {
	RuleName   string
	SearchText string
	Value      string
	Occurrence int // per-rule, 0-based
	Position   int // byte offset where the value starts
}

// extractValues applies every rule against text. Occurrences are
// counted per rule in order of appearance; empty values (marker at end
// of text, or only whitespace follows) are dropped without consuming an
// occurrence index.
func extractValues(text string, rules []extractionRule) []extraction {
	var out []extraction
	for _, rule := range rules {
		if rule.SearchText == "" || rule.ExtractLength <= 0 || rule.RuleName == "" {
			continue
		}

		occurrence := 0
		offset := 0
		for {
			idx := strings.Index(text[offset:], rule.SearchText)
			if idx < 0 {
				break
			}
			start := offset + idx + len(rule.SearchText)
			end := start + rule.ExtractLength
			if end > len(text) {
				end = len(text)
			}
			value := strings.TrimSpace(text[start:end])
			if value != "" {
				out = append(out, extraction{
					RuleName:   rule.RuleName,
					SearchText: rule.SearchText,
					Value:      value,
					Occurrence: occurrence,
					Position:   start,
				})
				occurrence++
			}
			offset = start
		}
	}
	return out
}
