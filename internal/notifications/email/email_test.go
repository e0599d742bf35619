package email

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pushpipe/internal/retry"
	"pushpipe/internal/types"
)

type stubMailer struct {
	err  error
	last Message
}

func (m *stubMailer) Name() string { return "stub" }

func (m *stubMailer) Send(_ context.Context, msg Message) (string, error) {
	m.last = msg
	if m.err != nil {
		return "", m.err
	}
	return "<id@relay>", nil
}

func newTestSender(t *testing.T, m Mailer) *Sender {
	t.Helper()
	r, err := NewRenderer()
	require.NoError(t, err)
	return NewSender(m, r, "noreply@pushpipe.local", nil)
}

func job() types.JobMessage {
	return types.JobMessage{
		NotificationID: "n-1",
		Recipient:      "jane@example.com",
		Channel:        types.ChannelEmail,
		Type:           "order",
		Title:          "Shipped",
		Body:           "Your order is on its way",
		Data:           map[string]any{"orderId": "A1", "items": 2},
	}
}

func TestSender_Deliver(t *testing.T) {
	m := &stubMailer{}
	s := newTestSender(t, m)

	res, err := s.Deliver(context.Background(), job())
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "<id@relay>", res.MessageID)
	assert.Equal(t, 1, res.DeliveredCount)
	assert.False(t, res.Simulation)

	assert.Equal(t, "jane@example.com", m.last.To)
	assert.Equal(t, "noreply@pushpipe.local", m.last.From)
	assert.Equal(t, "Order update: Shipped", m.last.Subject)
	assert.Equal(t, "n-1", m.last.ReferenceID)
	assert.Contains(t, m.last.HTML, "Your order is on its way")
	assert.Contains(t, m.last.Text, "items: 2")
	assert.Contains(t, m.last.Text, "orderId: A1")
}

func TestSender_InvalidRecipientIsPermanent(t *testing.T) {
	s := newTestSender(t, &stubMailer{})
	j := job()
	j.Recipient = "not-an-address"

	_, err := s.Deliver(context.Background(), j)
	require.Error(t, err)
	assert.True(t, retry.IsPermanent(err))
	assert.ErrorIs(t, err, ErrInvalidRecipient)
}

func TestSender_RelayErrors(t *testing.T) {
	t.Run("transient", func(t *testing.T) {
		s := newTestSender(t, &stubMailer{err: errors.New("connection reset")})
		_, err := s.Deliver(context.Background(), job())
		require.Error(t, err)
		assert.False(t, retry.IsPermanent(err))
		assert.Equal(t, types.ErrCodeUpstreamEmailUnavailable, types.CodeOf(err))
	})

	t.Run("rejected", func(t *testing.T) {
		s := newTestSender(t, &stubMailer{err: retry.Permanent(errors.New("550 mailbox unavailable"))})
		_, err := s.Deliver(context.Background(), job())
		require.Error(t, err)
		assert.True(t, retry.IsPermanent(err))
	})
}

func TestSender_Simulated(t *testing.T) {
	sim := NewSimulatedMailer(nil)
	s := newTestSender(t, sim)

	res, err := s.Deliver(context.Background(), job())
	require.NoError(t, err)
	assert.True(t, res.Simulation)
	assert.Contains(t, res.MessageID, "sim-email-")
	require.Len(t, sim.Sent(), 1)
	assert.Equal(t, "jane@example.com", sim.Sent()[0].To)
}

func TestRenderer_EscapesHTML(t *testing.T) {
	r, err := NewRenderer()
	require.NoError(t, err)
	j := job()
	j.Type = ""
	j.Title = "<script>alert(1)</script>"

	out, err := r.Render(j)
	require.NoError(t, err)
	assert.Equal(t, "<script>alert(1)</script>", out.Subject)
	assert.NotContains(t, out.HTML, "<script>")
	assert.Contains(t, out.HTML, "&lt;script&gt;")
}

func TestRedact(t *testing.T) {
	tests := map[string]string{
		"":                 "",
		"jane@example.com": "j***@example.com",
		"@example.com":     "***@example.com",
		"no-at-sign":       "***",
	}
	for in, want := range tests {
		assert.Equal(t, want, Redact(in), in)
	}
}

func TestSMTPMailer_RejectsBadAddresses(t *testing.T) {
	m := NewSMTPMailer(SMTPOptions{Host: "localhost", Port: 2525})

	_, err := m.Send(context.Background(), Message{From: "bad from", To: "jane@example.com"})
	assert.True(t, retry.IsPermanent(err))

	_, err = m.Send(context.Background(), Message{From: "noreply@x.io", To: "bad to"})
	assert.ErrorIs(t, err, ErrInvalidRecipient)
	assert.Equal(t, "smtp", m.Name())
}
