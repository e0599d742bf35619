package main

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"net"
	"slices"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"pushpipe/internal/broker"
	"pushpipe/internal/config"
	"pushpipe/internal/queue"
	"pushpipe/internal/types"
)

// printer renders command output. Styles come from a renderer bound to the
// destination writer, so output to a pipe or buffer carries no escape codes.
type printer struct {
	w       io.Writer
	title   lipgloss.Style
	ok      lipgloss.Style
	bad     lipgloss.Style
	warn    lipgloss.Style
	muted   lipgloss.Style
	header  lipgloss.Style
	cell    lipgloss.Style
	borders lipgloss.Style
}

func newPrinter(w io.Writer) *printer {
	r := lipgloss.NewRenderer(w)
	return &printer{
		w:       w,
		title:   r.NewStyle().Bold(true).Foreground(lipgloss.Color("12")),
		ok:      r.NewStyle().Bold(true).Foreground(lipgloss.Color("10")),
		bad:     r.NewStyle().Bold(true).Foreground(lipgloss.Color("9")),
		warn:    r.NewStyle().Foreground(lipgloss.Color("11")),
		muted:   r.NewStyle().Foreground(lipgloss.Color("8")),
		header:  r.NewStyle().Bold(true).Padding(0, 1),
		cell:    r.NewStyle().Padding(0, 1),
		borders: r.NewStyle().Foreground(lipgloss.Color("8")),
	}
}

func (p *printer) line(s string) { fmt.Fprintln(p.w, s) }

func (p *printer) success(msg string)        { p.line(p.ok.Render("✓ " + msg)) }
func (p *printer) warning(msg string)        { p.line(p.warn.Render("! " + msg)) }
func (p *printer) note(msg string)           { p.line(p.muted.Render(msg)) }
func (p *printer) failure(msg string) string { return p.bad.Render(msg) }

func (p *printer) heading(s string) {
	p.line("")
	p.line(p.title.Render(s))
}

func (p *printer) table(headers []string, rows [][]string) {
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(p.borders).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return p.header
			}
			return p.cell
		})
	p.line(t.String())
}

func (p *printer) health(report queue.HealthReport) {
	p.heading("Queue health")
	if report.Status == queue.StatusHealthy {
		p.line("Status: " + p.ok.Render(report.Status))
	} else {
		p.line("Status: " + p.bad.Render(report.Status))
		p.line("Reason: " + report.Reason)
	}
	p.line("Queues configured: " + strconv.Itoa(report.QueuesConfigured))
	if len(report.Stats) == 0 {
		return
	}
	rows := make([][]string, 0, len(report.Stats))
	for _, name := range slices.Sorted(maps.Keys(report.Stats)) {
		st := report.Stats[name]
		rows = append(rows, []string{name, itoa(st.Ready), itoa(st.InFlight), itoa(st.DeadLettered)})
	}
	p.table([]string{"Queue", "Ready", "In flight", "Dead"}, rows)
}

func (p *printer) stats(s *queue.DetailedStats) {
	o := s.Overview
	p.heading(fmt.Sprintf("Queue stats (%s) at %s", o.Broker, o.CollectedAt.Format(time.RFC3339)))
	p.line(fmt.Sprintf("Queues: %d  Messages: %d  Ready: %d  In flight: %d  Delayed: %d  Dead: %d",
		o.TotalQueues, o.TotalMessages, o.Ready, o.InFlight, o.Delayed, o.DeadLettered))

	rows := make([][]string, 0, len(s.Queues))
	for _, name := range slices.Sorted(maps.Keys(s.Queues)) {
		q := s.Queues[name]
		rows = append(rows, []string{
			name,
			itoa(q.Size),
			itoa(q.Stats.Ready),
			itoa(q.Stats.InFlight),
			itoa(q.Stats.Delayed),
			itoa(q.Stats.DeadLettered),
			itoa(q.Stats.TotalEnqueued),
			itoa(q.Stats.TotalAcked),
			itoa(q.Stats.TotalNacked),
		})
	}
	p.table([]string{"Queue", "Size", "Ready", "In flight", "Delayed", "Dead", "Enqueued", "Acked", "Nacked"}, rows)
}

func (p *printer) results(title string, results map[string]queue.OpResult, valueHeader string) {
	p.heading(title)
	rows := make([][]string, 0, len(results))
	for _, name := range slices.Sorted(maps.Keys(results)) {
		res := results[name]
		status, value := p.ok.Render("ok"), res.MessageID
		if valueHeader == "Removed" {
			value = itoa(res.Purged)
		}
		if !res.Success {
			status, value = p.bad.Render("failed"), res.Error
		}
		rows = append(rows, []string{name, status, value})
	}
	p.table([]string{"Queue", "Result", valueHeader}, rows)
}

func (p *printer) brokerSettings(cfg *config.Config) {
	b := cfg.Broker
	p.heading("Broker")
	rows := [][]string{{"Driver", b.Driver}}
	switch b.Driver {
	case "sqs":
		rows = append(rows,
			[]string{"Region", b.AWSRegion},
			[]string{"Queue URL prefix", b.SQSQueueURLPrefix},
		)
		if b.AWSEndpointURL != "" {
			rows = append(rows, []string{"Endpoint", b.AWSEndpointURL})
		}
	default:
		password := "not set"
		if b.RedisPassword.IsSet() {
			password = b.RedisPassword.String()
		}
		rows = append(rows,
			[]string{"Address", net.JoinHostPort(b.RedisHost, strconv.Itoa(b.RedisPort))},
			[]string{"Database", strconv.Itoa(b.RedisDB)},
			[]string{"Key prefix", b.KeyPrefix},
			[]string{"Password", password},
		)
	}
	rows = append(rows,
		[]string{"Connect timeout", b.ConnectTimeout.String()},
		[]string{"Delivery mode", cfg.Delivery.Mode},
	)
	p.table([]string{"Setting", "Value"}, rows)
}

func (p *printer) queueConfigs(queues []types.QueueConfig) {
	p.heading("Queues")
	rows := make([][]string, 0, len(queues))
	for _, q := range queues {
		rows = append(rows, []string{
			q.Name,
			q.VisibilityTimeout.String(),
			strconv.Itoa(q.RetryThreshold),
			strconv.Itoa(q.DeadLetterThreshold),
			strconv.Itoa(q.EffectiveThreshold()),
			strconv.Itoa(q.MaxConcurrency),
			q.DeadLetterName(),
		})
	}
	p.table([]string{"Queue", "Visibility", "Retry", "Dead letter", "Effective", "Concurrency", "DLQ"}, rows)
}

func (p *printer) deadLetters(queueName string, msgs []broker.Message) {
	p.heading(fmt.Sprintf("Dead letters: %s (%d)", queueName, len(msgs)))
	if len(msgs) == 0 {
		p.note("none")
		return
	}
	rows := make([][]string, 0, len(msgs))
	for _, m := range msgs {
		var job types.JobMessage
		notification, channel, recipient := "?", "?", "?"
		if err := json.Unmarshal(m.Body, &job); err == nil {
			notification, channel, recipient = job.NotificationID, string(job.Channel), job.Recipient
		}
		enqueued := ""
		if !m.EnqueuedAt.IsZero() {
			enqueued = m.EnqueuedAt.UTC().Format(time.RFC3339)
		}
		rows = append(rows, []string{m.ID, notification, channel, recipient, strconv.Itoa(m.Failures), enqueued})
	}
	p.table([]string{"Message", "Notification", "Channel", "Recipient", "Failures", "Enqueued"}, rows)
}

func itoa(n int64) string { return strconv.FormatInt(n, 10) }
