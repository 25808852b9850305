// Package transcript converts tool aggregate blocks to and from the
// XML-style text form used in natural-language transcripts.
package transcript

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/haasonsaas/conductor/pkg/models"
)

const pairSeparator = "---"

// Render serializes an aggregate to transcript text. Each call renders as
// a <tool_call> element followed by its <tool_response> when a result
// exists; pairs are separated by a line containing exactly "---".
// Argument and result JSON is pretty-printed; unparseable text passes
// through raw.
func Render(agg *models.ToolsAggregatePayload) (string, error) {
	if agg == nil || len(agg.Calls) == 0 {
		return "", fmt.Errorf("transcript: empty aggregate")
	}

	results := make(map[string]*models.AggregateResult, len(agg.Results))
	for i := range agg.Results {
		results[agg.Results[i].ToolCallID] = &agg.Results[i]
	}

	blocks := make([]string, 0, len(agg.Calls))
	for _, call := range agg.Calls {
		var b strings.Builder
		fmt.Fprintf(&b, "<tool_call name=%q>\n%s\n</tool_call>", call.Name, prettyJSON(call.Args))
		if res, ok := results[call.ToolCallID]; ok {
			fmt.Fprintf(&b, "\n<tool_response name=%q>\n%s\n</tool_response>", res.ToolName, prettyJSON(res.Result))
		}
		blocks = append(blocks, b.String())
	}
	return strings.Join(blocks, "\n"+pairSeparator+"\n"), nil
}

// Parse is the inverse of Render. Call/response pairing is positional
// within each separator-delimited block; fresh tool call ids bind each
// pair, since the text form carries none.
func Parse(text string) (*models.ToolsAggregatePayload, error) {
	agg := &models.ToolsAggregatePayload{}

	for _, block := range splitBlocks(text) {
		name, args, rest, err := extractElement(block, "tool_call")
		if err != nil {
			return nil, err
		}
		id := models.NewToolCallID()
		agg.Calls = append(agg.Calls, models.AggregateCall{
			ToolCallID: id,
			Name:       name,
			Args:       compactJSON(args),
			Target:     models.TargetLocalFunction,
		})

		if strings.Contains(rest, "<tool_response") {
			resName, result, _, err := extractElement(rest, "tool_response")
			if err != nil {
				return nil, err
			}
			agg.Results = append(agg.Results, models.AggregateResult{
				ToolCallID: id,
				ToolName:   resName,
				Result:     compactJSON(result),
				Target:     models.TargetLocalFunction,
			})
		}
	}
	if len(agg.Calls) == 0 {
		return nil, fmt.Errorf("transcript: no tool_call elements")
	}
	return agg, nil
}

// splitBlocks splits on lines containing exactly the separator.
func splitBlocks(text string) []string {
	var blocks []string
	var current []string
	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) == pairSeparator {
			blocks = append(blocks, strings.Join(current, "\n"))
			current = nil
			continue
		}
		current = append(current, line)
	}
	blocks = append(blocks, strings.Join(current, "\n"))

	out := blocks[:0]
	for _, b := range blocks {
		if strings.TrimSpace(b) != "" {
			out = append(out, b)
		}
	}
	return out
}

// extractElement pulls the first <tag name="...">body</tag> from text and
// returns the name, the body, and the remainder after the close tag.
func extractElement(text, tag string) (name, body, rest string, err error) {
	open := "<" + tag + " name=\""
	start := strings.Index(text, open)
	if start < 0 {
		return "", "", "", fmt.Errorf("transcript: missing <%s> element", tag)
	}
	nameStart := start + len(open)
	nameEnd := strings.Index(text[nameStart:], "\"")
	if nameEnd < 0 {
		return "", "", "", fmt.Errorf("transcript: unterminated %s name", tag)
	}
	name = text[nameStart : nameStart+nameEnd]

	bodyStart := strings.Index(text[nameStart:], ">")
	if bodyStart < 0 {
		return "", "", "", fmt.Errorf("transcript: malformed <%s> open tag", tag)
	}
	bodyStart += nameStart + 1

	closeTag := "</" + tag + ">"
	bodyEnd := strings.Index(text[bodyStart:], closeTag)
	if bodyEnd < 0 {
		return "", "", "", fmt.Errorf("transcript: missing %s", closeTag)
	}
	body = strings.TrimSpace(text[bodyStart : bodyStart+bodyEnd])
	rest = text[bodyStart+bodyEnd+len(closeTag):]
	return name, body, rest, nil
}

// prettyJSON indents valid JSON and passes everything else through.
func prettyJSON(s string) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, []byte(s), "", "  "); err != nil {
		return s
	}
	return buf.String()
}

// compactJSON is the inverse normalization for parsed bodies.
func compactJSON(s string) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(s)); err != nil {
		return s
	}
	return buf.String()
}
