package chat

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"pushpipe/internal/push"
	"pushpipe/internal/retry"
	"pushpipe/internal/types"
)

// maxFields caps the data fields rendered into the message; the rest are
// summarized in a context line.
const maxFields = 10

// Payload is the top-level Slack webhook message.
type Payload struct {
	Text   string  `json:"text"`
	Blocks []Block `json:"blocks,omitempty"`
}

// Block is a single Block Kit block.
type Block struct {
	Type     string  `json:"type"`
	Text     *Text   `json:"text,omitempty"`
	Fields   []*Text `json:"fields,omitempty"`
	Elements []*Text `json:"elements,omitempty"`
}

// Text is a Block Kit text object.
type Text struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Format renders job as a Slack message. Text carries "*Title*\nBody" so
// webhooks that ignore blocks still show the whole notification.
func Format(job types.JobMessage) ([]byte, error) {
	title := strings.TrimSpace(job.Title)
	if title == "" {
		title = "Notification"
	}

	p := Payload{
		Text: fmt.Sprintf("*%s*\n%s", title, job.Body),
		Blocks: []Block{
			{Type: "header", Text: &Text{Type: "plain_text", Text: title}},
		},
	}
	if job.Body != "" {
		p.Blocks = append(p.Blocks, Block{Type: "section", Text: &Text{Type: "mrkdwn", Text: job.Body}})
	}

	data := push.StringifyData(job.Data)
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var fields []*Text
	for i, k := range keys {
		if i == maxFields {
			break
		}
		fields = append(fields, &Text{Type: "mrkdwn", Text: fmt.Sprintf("*%s*\n%s", k, data[k])})
	}
	if len(fields) > 0 {
		p.Blocks = append(p.Blocks, Block{Type: "section", Fields: fields})
	}

	var footer []string
	if job.Type != "" {
		footer = append(footer, "type: "+job.Type)
	}
	if job.Priority == types.PriorityHigh {
		footer = append(footer, "priority: high")
	}
	if extra := len(keys) - maxFields; extra > 0 {
		footer = append(footer, fmt.Sprintf("+%d more fields", extra))
	}
	if len(footer) > 0 {
		p.Blocks = append(p.Blocks, Block{
			Type:     "context",
			Elements: []*Text{{Type: "mrkdwn", Text: strings.Join(footer, " | ")}},
		})
	}

	b, err := json.Marshal(p)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("chat format: %w", err))
	}
	return b, nil
}
